package config

import (
	"fmt"
	"os"

	"github.com/drone/envsubst"
)

// Substitute resolves ${NAME} and $NAME placeholders in every string option
// of every step, including strings nested in objects and arrays. Names are
// looked up in the pipeline's Variables, then params, then the process
// environment; unknown names expand to the empty string. Shell-style
// defaults such as ${NAME:-10} are supported.
//
// The input pipeline is not modified.
func Substitute(p Pipeline, params map[string]string) (Pipeline, error) {
	lookup := func(name string) string {
		if v, ok := p.Variables[name]; ok {
			return v
		}
		if v, ok := params[name]; ok {
			return v
		}
		return os.Getenv(name)
	}

	out := p
	out.Steps = make([]StepDef, len(p.Steps))
	for i, s := range p.Steps {
		opts, err := substituteValue(s.Options, lookup)
		if err != nil {
			return Pipeline{}, fmt.Errorf("step %q: %w", s.Name, err)
		}
		s.Options, _ = opts.(Options)
		if s.Options == nil {
			s.Options = Options{}
		}
		if s.ErrorHandling.Target, err = envsubst.Eval(s.ErrorHandling.Target, lookup); err != nil {
			return Pipeline{}, fmt.Errorf("step %q: error_handling.target: %w", s.Name, err)
		}
		out.Steps[i] = s
	}
	return out, nil
}

func substituteValue(v any, lookup func(string) string) (any, error) {
	switch x := v.(type) {
	case string:
		return envsubst.Eval(x, lookup)
	case Options:
		m, err := substituteMap(x, lookup)
		return Options(m), err
	case map[string]any:
		return substituteMap(x, lookup)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			s, err := substituteValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteMap(m map[string]any, lookup func(string) string) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		s, err := substituteValue(v, lookup)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}
