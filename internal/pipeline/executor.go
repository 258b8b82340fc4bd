package pipeline

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Executor runs a pipeline on the caller's goroutine.
//
// One Tick calls ProcessRow once on every unfinished copy, producers before
// consumers. Row sets are plain queues and reads never wait, so a step with
// nothing to do simply returns and the tick moves on. Errors are counted but
// do not stop the pipeline; the owner inspects Errors after a drain and
// decides, typically by calling ClearError or StopAll.
//
// A copy that fails after moving a row stays scheduled even when it returned
// false, so the rows queued behind the failing one still reach it. A copy
// that fails without moving anything is finished as errored and reported by
// Failed until the executor is disposed.
type Executor struct {
	p     *Pipeline
	order []*Instance
	done  []bool

	errors  int64
	lastErr error
	ticks   int64
}

// NewExecutor wires p with queues and initializes every copy. Steps that
// need a dedicated goroutine, and cyclic graphs, are rejected up front.
func NewExecutor(p *Pipeline) (*Executor, error) {
	for _, in := range p.instances {
		if in.Reg.DedicatedThread {
			return nil, step.Configf(in.Config.Name,
				"step kind %q needs its own goroutine and cannot run in a cooperative pipeline", in.Config.Kind)
		}
	}
	names, err := p.topoOrder()
	if err != nil {
		return nil, err
	}

	newSet := func(producer, consumer string, _ *step.State) rowset.RowSet {
		return rowset.NewQueue(producer, consumer)
	}
	if err := p.wire(newSet, false); err != nil {
		return nil, err
	}

	e := &Executor{p: p}
	for _, n := range names {
		e.order = append(e.order, p.byStep[n]...)
	}
	e.done = make([]bool, len(e.order))

	if err := p.initAll(); err != nil {
		return nil, err
	}
	for _, in := range e.order {
		in.State.SetStatus(step.StatusRunning)
	}
	return e, nil
}

func (e *Executor) Pipeline() *Pipeline { return e.p }
func (e *Executor) StopAll()            { e.p.StopAll() }
func (e *Executor) Ticks() int64        { return e.ticks }

// Producer returns an injection handle for the named step.
func (e *Executor) Producer(stepName string) (*RowProducer, error) {
	return e.p.Producer(stepName)
}

// Tick runs one round and reports whether another round could make progress:
// some copy moved a row or finished, or rows are still queued. Once every
// copy is finished it returns false.
func (e *Executor) Tick() bool {
	e.ticks++
	active := false
	for i, in := range e.order {
		if e.done[i] {
			continue
		}
		st := in.State
		if st.IsStopped() {
			e.finish(i, step.StatusStopped)
			continue
		}

		before := moved(st)
		more, err := in.Step.ProcessRow(in.Config, st)
		progressed := moved(st) != before
		if err != nil {
			e.errors++
			e.lastErr = err
			st.AddErrors(1)
			level.Error(st.Logger()).Log("msg", "step failed", "err", err)
		}
		switch {
		case !more && err == nil:
			e.finish(i, step.StatusDone)
			active = true
		case !more && !progressed:
			// failed without touching a row: calling it again cannot help
			e.finish(i, step.StatusErrored)
			active = true
		case progressed:
			active = true
		}
	}
	if active {
		return true
	}
	for i, in := range e.order {
		if e.done[i] {
			continue
		}
		for _, rs := range in.State.Inputs() {
			if rs.Len() > 0 {
				return true
			}
		}
	}
	return false
}

func moved(st *step.State) int64 {
	c := st.Progress()
	return c.Read + c.Written + c.Rejected + c.Output
}

func (e *Executor) finish(i int, status step.Status) {
	in := e.order[i]
	e.done[i] = true
	in.State.SetOutputDone()
	in.State.SetStatus(status)
}

// Finished reports whether every copy has returned false from ProcessRow.
func (e *Executor) Finished() bool {
	for _, d := range e.done {
		if !d {
			return false
		}
	}
	return true
}

// Drain ticks until nothing more can happen and returns the number of ticks.
func (e *Executor) Drain() int {
	n := 0
	for e.Tick() {
		n++
	}
	return n
}

// Errors returns the number of errors since the last ClearError.
func (e *Executor) Errors() int64 { return e.errors }

// LastError returns the most recent step error, or nil.
func (e *Executor) LastError() error { return e.lastErr }

// Failed returns an error naming the first copy that was finished as
// errored, or nil. ClearError does not reset it: such a copy no longer
// consumes its input.
func (e *Executor) Failed() error {
	for i, in := range e.order {
		if e.done[i] && in.State.Status() == step.StatusErrored {
			return fmt.Errorf("step %s copy %d has failed and no longer runs", in.Config.Name, in.State.Copy())
		}
	}
	return nil
}

// ClearError forgets the errors counted so far, so the next batch starts clean.
func (e *Executor) ClearError() {
	e.errors = 0
	e.lastErr = nil
}

// Dispose releases every copy's resources. It is safe to call more than once.
func (e *Executor) Dispose() {
	for i, in := range e.order {
		in.Step.Dispose(in.Config, in.State)
		if !e.done[i] {
			e.finish(i, step.StatusStopped)
		}
	}
}

// Run ticks until the pipeline is quiescent or ctx is done, then disposes.
// Any counted error makes the run fail.
func (e *Executor) Run(ctx context.Context) error {
	defer e.Dispose()
	for e.Tick() {
		if err := ctx.Err(); err != nil {
			e.p.StopAll()
			return fmt.Errorf("pipeline %s: %w", e.p.Name(), err)
		}
	}
	if e.errors > 0 {
		return &RunError{Pipeline: e.p.Name(), Errors: e.errors, Cause: e.lastErr}
	}
	return nil
}
