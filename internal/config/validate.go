package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced to users but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "steps[1].kind",
// "hops[0].to"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be returned as an error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// FirstError returns the first error-severity issue, or nil.
func FirstError(issues []Issue) error {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return iss
		}
	}
	return nil
}

// ValidatePipeline performs static validation of a Pipeline. knownKinds, when
// given, lists the registered step kinds; other kinds produce a warning.
//
// It does not mutate the pipeline.
func ValidatePipeline(p Pipeline, knownKinds ...string) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "name",
			Message:  "name is empty; it is used for metrics labeling and log correlation",
		})
	}
	issues = append(issues, validateSteps(p.Steps, knownKinds)...)
	issues = append(issues, validateHops(p)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	return issues
}

func validateSteps(steps []StepDef, knownKinds []string) []Issue {
	var issues []Issue
	if len(steps) == 0 {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "steps",
			Message:  "pipeline has no steps",
		})
	}

	known := make(map[string]struct{}, len(knownKinds))
	for _, k := range knownKinds {
		known[k] = struct{}{}
	}
	seen := make(map[string]int, len(steps))

	for i, s := range steps {
		path := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".name",
				Message:  "step name must not be empty",
			})
		} else if j, dup := seen[s.Name]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".name",
				Message:  fmt.Sprintf("duplicate step name %q (also steps[%d])", s.Name, j),
			})
		} else {
			seen[s.Name] = i
		}

		if strings.TrimSpace(s.Kind) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".kind",
				Message:  "step kind must not be empty",
			})
		} else if len(known) > 0 {
			if _, ok := known[s.Kind]; !ok {
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Path:     path + ".kind",
					Message:  fmt.Sprintf("unknown step kind %q; ensure a matching implementation is registered", s.Kind),
				})
			}
		}

		if s.Copies < 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".copies",
				Message:  "copies must be >= 0",
			})
		}
		if s.ErrorHandling.MaxErrors < 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".error_handling.max_errors",
				Message:  "max_errors must be >= 0",
			})
		}
		if !s.ErrorHandling.Enabled && s.ErrorHandling.Target != "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path + ".error_handling.target",
				Message:  "target is set but error handling is disabled",
			})
		}
	}
	return issues
}

func validateHops(p Pipeline) []Issue {
	var issues []Issue
	names := make(map[string]StepDef, len(p.Steps))
	for _, s := range p.Steps {
		names[s.Name] = s
	}
	type edge struct {
		from, to string
		isErr    bool
	}
	seen := map[edge]bool{}

	for i, h := range p.Hops {
		path := fmt.Sprintf("hops[%d]", i)
		from, okFrom := names[h.From]
		if !okFrom {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".from",
				Message:  fmt.Sprintf("unknown step %q", h.From),
			})
		}
		if _, ok := names[h.To]; !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".to",
				Message:  fmt.Sprintf("unknown step %q", h.To),
			})
		}
		if h.From == h.To && h.From != "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path,
				Message:  fmt.Sprintf("step %q cannot feed itself", h.From),
			})
		}
		e := edge{h.From, h.To, h.Error}
		if seen[e] {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path,
				Message:  fmt.Sprintf("duplicate hop %s -> %s", h.From, h.To),
			})
		}
		seen[e] = true

		if h.Error && okFrom {
			if !from.ErrorHandling.Enabled {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".error",
					Message:  fmt.Sprintf("error hop from %q requires error_handling.enabled", h.From),
				})
			} else if from.ErrorHandling.Target != "" && from.ErrorHandling.Target != h.To {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".to",
					Message:  fmt.Sprintf("error hop targets %q but %q declares target %q", h.To, h.From, from.ErrorHandling.Target),
				})
			}
		}
	}
	return issues
}

func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue
	if r.BufferSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.buffer_size",
			Message:  "buffer_size must be >= 0",
		})
	}
	if r.FeedbackSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.feedback_size",
			Message:  "feedback_size must be >= 0",
		})
	}
	return issues
}
