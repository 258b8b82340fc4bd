// Package injector implements the "injector" step. It has no hops of its own
// to read from; rows arrive through a pipeline.RowProducer handed out by the
// runner and are forwarded downstream as they come.
package injector

import (
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "injector"

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type Injector struct {
	step.Defaults
}

func New(cfg step.Config) (step.Step, error) {
	if cfg.Copies > 1 {
		return nil, step.Configf(cfg.Name, "injector runs a single copy, got %d", cfg.Copies)
	}
	return &Injector{}, nil
}

func (*Injector) Init(step.Config, *step.State) error { return nil }

func (*Injector) ProcessRow(_ step.Config, st *step.State) (bool, error) {
	it, res := st.GetRow()
	switch res {
	case rowset.OK:
		return st.PutRow(it.Schema, it.Row), nil
	case rowset.Empty:
		return true, nil
	default:
		return false, nil
	}
}
