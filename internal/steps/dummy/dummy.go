// Package dummy implements the "dummy" step, which passes every row through
// unchanged. It is handy as a fan-in or fan-out point and as a sink.
package dummy

import (
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "dummy"

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type Dummy struct {
	step.Defaults
}

func New(step.Config) (step.Step, error) { return &Dummy{}, nil }

func (*Dummy) Init(step.Config, *step.State) error { return nil }

func (*Dummy) ProcessRow(_ step.Config, st *step.State) (bool, error) {
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
