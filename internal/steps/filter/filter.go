// Package filter implements the "filter" step.
//
// Options:
//
//	condition:     condition tree, see package condition
//	send_true_to:  step receiving matching rows
//	send_false_to: step receiving the others
//
// Without targets, matching rows go to every output and the others are
// dropped. With only send_false_to, matching rows go to every other output.
package filter

import (
	"rowflow/internal/condition"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "filter"

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type Filter struct {
	step.Defaults

	cond      condition.Condition
	trueTo    []string
	falseTo   string
	compiled  *condition.Compiled
	compiledF *row.Schema
}

func New(step.Config) (step.Step, error) { return &Filter{}, nil }

func (f *Filter) Init(cfg step.Config, st *step.State) error {
	if _, err := cfg.Options.Decode("condition", &f.cond); err != nil {
		return step.Configf(cfg.Name, "condition: %v", err)
	}
	trueTo := cfg.Options.String("send_true_to", "")
	f.falseTo = cfg.Options.String("send_false_to", "")
	for _, target := range []string{trueTo, f.falseTo} {
		if target != "" && len(st.FindOutput(target)) == 0 {
			return step.Configf(cfg.Name, "no hop to target step %q", target)
		}
	}
	switch {
	case trueTo != "":
		f.trueTo = []string{trueTo}
	case f.falseTo != "":
		seen := map[string]bool{f.falseTo: true}
		for _, o := range st.Outputs() {
			if c := o.Consumer(); !seen[c] {
				seen[c] = true
				f.trueTo = append(f.trueTo, c)
			}
		}
	}
	return nil
}

func (f *Filter) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	it, res := st.GetRow()
	switch res {
	case rowset.OK:
	case rowset.Empty:
		return true, nil
	default:
		return false, nil
	}

	if f.compiled == nil || f.compiledF != it.Schema {
		c, err := f.cond.Compile(it.Schema)
		if err != nil {
			return false, &step.ConfigurationError{Step: cfg.Name, Err: err}
		}
		f.compiled, f.compiledF = c, it.Schema
	}

	targets := []string{f.falseTo}
	if f.compiled.Evaluate(it.Row) {
		if f.trueTo == nil && f.falseTo == "" {
			return st.PutRow(it.Schema, it.Row), nil
		}
		targets = f.trueTo
	} else if f.falseTo == "" {
		return true, nil
	}
	for i, target := range targets {
		r := it.Row
		if i > 0 {
			r = it.Schema.CloneRow(r)
		}
		ok, err := st.PutRowTo(it.Schema, r, target)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
