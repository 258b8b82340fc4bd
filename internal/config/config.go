// Package config defines the canonical configuration model for rowflow
// pipelines. A pipeline file lists steps and the hops that connect them; each
// step carries a free-form options bag interpreted by its implementation.
//
// Pipelines can be written as JSON or YAML. Field names in Go mirror the keys
// used in pipeline files.
//
// Example (trimmed):
//
//	{
//	  "name": "orders",
//	  "steps": [
//	    { "name": "gen",  "kind": "generator", "options": { "limit": 10 } },
//	    { "name": "load", "kind": "tableoutput", "options": { "kind": "sqlite", "table": "t" } }
//	  ],
//	  "hops": [ { "from": "gen", "to": "load" } ],
//	  "runtime": { "buffer_size": 1000 }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Pipeline is the top-level object decoded from a pipeline file.
type Pipeline struct {
	// Name labels the pipeline in logs and metrics.
	Name string `json:"name" yaml:"name"`

	Steps []StepDef `json:"steps" yaml:"steps"`
	Hops  []Hop     `json:"hops" yaml:"hops"`

	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`

	// Variables are pipeline-scoped substitution values. They take precedence
	// over caller parameters and the process environment.
	Variables map[string]string `json:"variables" yaml:"variables"`
}

// StepDef declares one step of the graph.
type StepDef struct {
	// Name is unique within the pipeline.
	Name string `json:"name" yaml:"name"`

	// Kind selects the step implementation from the step factory table.
	Kind string `json:"kind" yaml:"kind"`

	// Copies is the number of parallel instances. Zero means one.
	Copies int `json:"copies" yaml:"copies"`

	// Distribute selects round-robin delivery across output hops (the
	// default). When false every output hop receives every row.
	Distribute *bool `json:"distribute" yaml:"distribute"`

	// Options is interpreted by the step implementation.
	Options Options `json:"options" yaml:"options"`

	ErrorHandling ErrorHandling `json:"error_handling" yaml:"error_handling"`
}

// CopyCount returns the effective number of copies.
func (d StepDef) CopyCount() int {
	if d.Copies < 1 {
		return 1
	}
	return d.Copies
}

// DistributeRows reports whether rows are dealt round-robin to outputs.
func (d StepDef) DistributeRows() bool {
	return d.Distribute == nil || *d.Distribute
}

// Hop connects two steps. Error hops carry rejected rows from a step with
// error handling enabled.
type Hop struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Error bool   `json:"error" yaml:"error"`
}

// RuntimeConfig controls buffering and progress reporting.
type RuntimeConfig struct {
	// BufferSize is the capacity of every row buffer between two steps.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FeedbackSize logs a progress line every N rows read by a step. Zero
	// disables progress lines.
	FeedbackSize int `json:"feedback_size" yaml:"feedback_size"`
}

// Default names of the fields appended to rejected rows.
const (
	DefaultErrorCountField        = "error_count"
	DefaultErrorDescriptionsField = "error_descriptions"
	DefaultErrorFieldsField       = "error_fields"
	DefaultErrorCodesField        = "error_codes"
)

// ErrorHandling configures per-row error routing for a step.
type ErrorHandling struct {
	// Enabled routes failing rows to the error hop instead of failing the run.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Target names the step that receives error rows.
	Target string `json:"target" yaml:"target"`

	// MaxErrors fails the step once more than this many rows were rejected.
	// Zero means unlimited.
	MaxErrors int64 `json:"max_errors" yaml:"max_errors"`

	CountField        string `json:"count_field" yaml:"count_field"`
	DescriptionsField string `json:"descriptions_field" yaml:"descriptions_field"`
	FieldsField       string `json:"fields_field" yaml:"fields_field"`
	CodesField        string `json:"codes_field" yaml:"codes_field"`
}

// FieldNames returns the four error field names with defaults applied.
func (e ErrorHandling) FieldNames() (count, descriptions, fields, codes string) {
	return pick(e.CountField, DefaultErrorCountField),
		pick(e.DescriptionsField, DefaultErrorDescriptionsField),
		pick(e.FieldsField, DefaultErrorFieldsField),
		pick(e.CodesField, DefaultErrorCodesField)
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Step returns the definition with the given name.
func (p Pipeline) Step(name string) (StepDef, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDef{}, false
}

// Options fetches typed values from an arbitrary options map, returning the
// provided default when a key is absent or of an unexpected type. The Parse*
// getters report unparsable values instead.
//
// Values may come from JSON (numbers are float64), YAML (numbers are int) or
// variable substitution (numbers are strings), so numeric getters accept all
// three.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def. The strings "true" and "false"
// are accepted.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if p, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return p
			}
		}
	}
	return def
}

// Int returns the int value for key or def. Values that do not parse yield
// def; use ParseInt where that must be reported.
func (o Options) Int(key string, def int) int {
	n, err := o.ParseInt(key, def)
	if err != nil {
		return def
	}
	return n
}

// ParseInt returns the int value for key, or def when the key is absent. A
// value that is present but not a whole number is an error, and so is an
// empty string, which is what an unset ${VAR} substitutes to.
func (o Options) ParseInt(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return def, fmt.Errorf("option %s: %v is not a whole number", key, n)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return def, fmt.Errorf("option %s: empty value", key)
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return def, fmt.Errorf("option %s: %q is not an integer", key, n)
		}
		return i, nil
	}
	return def, fmt.Errorf("option %s: unexpected %T value", key, v)
}

// Duration returns a duration for key. Bare numbers are milliseconds;
// strings may also use Go duration syntax ("250ms", "2s"). Values that do not
// parse yield def; use ParseDuration where that must be reported.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	d, err := o.ParseDuration(key, def)
	if err != nil {
		return def
	}
	return d
}

// ParseDuration is Duration with parse failures reported as errors.
func (o Options) ParseDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Millisecond)), nil
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return def, fmt.Errorf("option %s: empty value", key)
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return def, fmt.Errorf("option %s: %q is not a duration", key, n)
		}
		return d, nil
	}
	return def, fmt.Errorf("option %s: unexpected %T value", key, v)
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of strings.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// Decode converts the nested value at key into dst by round-tripping it
// through JSON. It returns false when the key is absent.
func (o Options) Decode(key string, dst any) (bool, error) {
	raw, ok := o[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return true, fmt.Errorf("options %q: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return true, fmt.Errorf("options %q: %w", key, err)
	}
	return true, nil
}

// UnmarshalJSON makes a missing or null "options" object decode to a non-nil,
// empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
