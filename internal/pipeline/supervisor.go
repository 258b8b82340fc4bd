package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"rowflow/internal/metrics"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Supervisor runs a pipeline with one goroutine per step copy.
//
// Copies exchange rows over bounded rowset.Buffers, so a slow consumer
// throttles its producers. The first error returned by any copy counts
// against that copy and stops the whole pipeline; the other copies notice at
// their next GetRow/PutRow and exit.
type Supervisor struct {
	p *Pipeline
	g errgroup.Group

	mu       sync.Mutex
	firstErr error
	started  bool
	unwatch  func() bool
}

// NewSupervisor wires p with bounded buffers for threaded execution.
func NewSupervisor(p *Pipeline) (*Supervisor, error) {
	newSet := func(producer, consumer string, to *step.State) rowset.RowSet {
		return rowset.NewBuffer(producer, consumer, p.bufferSize, p.stopCh, to.Wake())
	}
	if err := p.wire(newSet, true); err != nil {
		return nil, err
	}
	return &Supervisor{p: p}, nil
}

func (s *Supervisor) Pipeline() *Pipeline { return s.p }
func (s *Supervisor) StopAll()            { s.p.StopAll() }
func (s *Supervisor) Errors() int64       { return s.p.Errors() }

// Producer returns an injection handle for the named step. Call it before Start.
func (s *Supervisor) Producer(stepName string) (*RowProducer, error) {
	return s.p.Producer(stepName)
}

// Start initializes every copy and launches the workers. When any Init
// fails nothing is started and the ConfigurationError is returned.
// Cancelling ctx stops the pipeline.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %s: already started", s.p.Name())
	}
	s.started = true
	s.mu.Unlock()

	if err := s.p.initAll(); err != nil {
		s.setErr(err)
		return err
	}

	level.Info(s.p.logger).Log("msg", "pipeline started", "pipeline", s.p.Name(),
		"steps", len(s.p.def.Steps), "copies", len(s.p.instances), "buffer", s.p.bufferSize)

	s.unwatch = context.AfterFunc(ctx, s.p.StopAll)
	for _, in := range s.p.instances {
		in := in
		s.g.Go(func() error { return s.work(in) })
	}
	return nil
}

// Wait blocks until every worker has exited. It returns a *RunError when the
// aggregate error count is non-zero.
func (s *Supervisor) Wait() error {
	_ = s.g.Wait()
	if s.unwatch != nil {
		s.unwatch()
	}

	n := s.p.Errors()
	s.mu.Lock()
	cause := s.firstErr
	s.mu.Unlock()

	lvl := level.Info(s.p.logger)
	if n > 0 {
		lvl = level.Error(s.p.logger)
	}
	lvl.Log("msg", "pipeline finished", "pipeline", s.p.Name(), "errors", n, "stopped", s.p.Stopped())

	if n > 0 {
		return &RunError{Pipeline: s.p.Name(), Errors: n, Cause: cause}
	}
	return nil
}

// Run is Start followed by Wait.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		var ce *step.ConfigurationError
		if errors.As(err, &ce) {
			return &RunError{Pipeline: s.p.Name(), Errors: s.p.Errors(), Cause: err}
		}
		return err
	}
	return s.Wait()
}

func (s *Supervisor) work(in *Instance) (err error) {
	st := in.State
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = s.fail(in, fmt.Errorf("step %s: panic: %v", in.Config.Name, r))
		}
		in.Step.Dispose(in.Config, st)
		st.SetOutputDone()

		switch {
		case err != nil:
			st.SetStatus(step.StatusErrored)
		case st.IsStopped():
			st.SetStatus(step.StatusStopped)
		default:
			st.SetStatus(step.StatusDone)
		}
		s.record(in, err, time.Since(start))
	}()

	st.SetStatus(step.StatusRunning)
	for !st.IsStopped() {
		more, perr := in.Step.ProcessRow(in.Config, st)
		if perr != nil {
			return s.fail(in, perr)
		}
		if !more {
			break
		}
	}
	return nil
}

// fail counts err against the copy and stops the pipeline.
func (s *Supervisor) fail(in *Instance, err error) error {
	in.State.AddErrors(1)
	in.State.SetStatus(step.StatusErrored)
	level.Error(in.State.Logger()).Log("msg", "step failed", "err", err)
	s.setErr(err)
	s.p.StopAll()
	return err
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

func (s *Supervisor) record(in *Instance, err error, d time.Duration) {
	c := in.State.Progress()
	name, stepName := s.p.Name(), in.Config.Name
	metrics.RecordStep(name, stepName, err, d)
	metrics.RecordRow(name, stepName, metrics.KindRead, c.Read)
	metrics.RecordRow(name, stepName, metrics.KindWritten, c.Written)
	metrics.RecordRow(name, stepName, metrics.KindRejected, c.Rejected)
	metrics.RecordRow(name, stepName, metrics.KindOutput, c.Output)
	metrics.RecordRow(name, stepName, metrics.KindErrors, c.Errors)

	level.Debug(in.State.Logger()).Log("msg", "step finished", "status", in.State.Status(),
		"read", c.Read, "written", c.Written, "rejected", c.Rejected, "errors", c.Errors, "took", d)
}
