// Package pipeline builds a step graph from a definition and runs it.
//
// Two runners share one Pipeline value:
//
//   - Supervisor runs every step copy on its own goroutine, connected by
//     bounded rowset.Buffers. A fatal error in any copy stops the whole
//     pipeline (and any nested pipelines) through StopAll.
//   - Executor runs the graph on the caller's goroutine, one ProcessRow per
//     step per Tick in topological order, over unbounded rowset.Queues. It is
//     meant for small embedded sub-pipelines driven at high frequency.
//
// A Pipeline is wired by exactly one runner.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

const (
	defaultBufferSize = 10000
	defaultFeedback   = 50000
)

// Runner is what both scheduling disciplines offer to callers.
type Runner interface {
	Run(ctx context.Context) error
	StopAll()
	Errors() int64
	Pipeline() *Pipeline
}

// Instance is one running copy of a step.
type Instance struct {
	Step   step.Step
	Config step.Config
	State  *step.State
	Reg    step.Registration
}

// Option configures New.
type Option func(*Pipeline)

// WithLogger sets the base logger. Step copies get pipeline/step/copy keys.
func WithLogger(l log.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(l) }
}

// WithResolver sets the resolver steps use to load referenced sub-pipelines.
func WithResolver(r config.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithParent nests the pipeline under host: stopping the host stops it too.
func WithParent(host step.Host) Option {
	return func(p *Pipeline) { p.parent = host }
}

// WithBufferSize overrides the row buffer capacity of every hop.
func WithBufferSize(n int) Option {
	return func(p *Pipeline) { p.bufferSize = n }
}

// WithRunID sets the run id logged with every line. A random one is used
// otherwise.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// Pipeline is the executable step graph. It implements step.Host.
type Pipeline struct {
	def        config.Pipeline
	runID      string
	logger     log.Logger
	resolver   config.Resolver
	parent     step.Host
	bufferSize int
	feedback   int

	instances []*Instance
	byStep    map[string][]*Instance

	// newSet creates the row set between two steps. Set by the runner that
	// wires the pipeline.
	newSet   func(producer, consumer string, to *step.State) rowset.RowSet
	wired    bool
	blocking bool

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool

	mu       sync.Mutex
	children []step.Stopper
}

// New validates def and creates one Instance per step copy. The pipeline is
// not wired yet; pass it to NewSupervisor or NewExecutor.
func New(def config.Pipeline, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		def:      def,
		logger:   logging.Nop(),
		resolver: config.FileResolver{},
		byStep:   make(map[string][]*Instance, len(def.Steps)),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.bufferSize = pickInt(p.bufferSize, pickInt(def.Runtime.BufferSize, getenvInt("ROWFLOW_BUFFER_SIZE", defaultBufferSize)))
	p.feedback = pickInt(def.Runtime.FeedbackSize, getenvInt("ROWFLOW_FEEDBACK_SIZE", defaultFeedback))
	p.logger = log.With(p.logger, "run", p.runID)

	issues := config.ValidatePipeline(def, step.Kinds()...)
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			level.Warn(p.logger).Log("msg", "pipeline definition", "pipeline", def.Name, "issue", iss.Error())
		}
	}
	if err := config.FirstError(issues); err != nil {
		return nil, &step.ConfigurationError{Err: err}
	}

	for _, d := range def.Steps {
		reg, err := step.Lookup(d.Kind)
		if err != nil {
			return nil, &step.ConfigurationError{Step: d.Name, Err: err}
		}
		cfg := step.ConfigFromDef(d)
		for c := 0; c < cfg.Copies; c++ {
			impl, err := reg.New(cfg)
			if err != nil {
				return nil, &step.ConfigurationError{Step: d.Name, Err: err}
			}
			in := &Instance{
				Step:   impl,
				Config: cfg,
				Reg:    reg,
				State: step.NewState(step.StateConfig{
					Step:         cfg,
					Copy:         c,
					Host:         p,
					Logger:       logging.ForStep(p.logger, def.Name, d.Name, c),
					FeedbackSize: p.feedback,
				}),
			}
			p.instances = append(p.instances, in)
			p.byStep[d.Name] = append(p.byStep[d.Name], in)
		}
	}

	if p.parent != nil {
		p.parent.Adopt(p)
	}
	return p, nil
}

func (p *Pipeline) Name() string                { return p.def.Name }
func (p *Pipeline) RunID() string               { return p.runID }
func (p *Pipeline) Resolver() config.Resolver   { return p.resolver }
func (p *Pipeline) Definition() config.Pipeline { return p.def }
func (p *Pipeline) Logger() log.Logger          { return p.logger }

// Instances returns every step copy in definition order.
func (p *Pipeline) Instances() []*Instance { return p.instances }

// Step returns the copies of the named step.
func (p *Pipeline) Step(name string) []*Instance { return p.byStep[name] }

// Adopt binds a nested pipeline so StopAll reaches it. A child adopted after
// the stop is stopped immediately.
func (p *Pipeline) Adopt(child step.Stopper) {
	p.mu.Lock()
	p.children = append(p.children, child)
	p.mu.Unlock()
	if p.Stopped() {
		child.StopAll()
	}
}

// StopAll flags every step copy as stopped, asks each to stop, unparks any
// blocked row set operation and cascades into adopted children. It cannot be
// undone.
func (p *Pipeline) StopAll() {
	p.stopped.Store(true)
	for _, in := range p.instances {
		if in.State.Stop() {
			in.Step.RequestStop(in.Config, in.State)
		}
	}
	p.stopOnce.Do(func() {
		level.Info(p.logger).Log("msg", "stopping pipeline", "pipeline", p.def.Name)
		close(p.stopCh)
	})

	p.mu.Lock()
	children := append([]step.Stopper(nil), p.children...)
	p.mu.Unlock()
	for _, c := range children {
		c.StopAll()
	}
}

// Stopped reports whether StopAll was called.
func (p *Pipeline) Stopped() bool { return p.stopped.Load() }

// Errors sums the error counters of every step copy.
func (p *Pipeline) Errors() int64 {
	var n int64
	for _, in := range p.instances {
		n += in.State.Errors()
	}
	return n
}

// Progress returns per-step counters summed over copies, keyed by step name.
func (p *Pipeline) Progress() map[string]step.Counters {
	out := make(map[string]step.Counters, len(p.byStep))
	for name, ins := range p.byStep {
		var c step.Counters
		for _, in := range ins {
			pc := in.State.Progress()
			c.Read += pc.Read
			c.Written += pc.Written
			c.Rejected += pc.Rejected
			c.Output += pc.Output
			c.Errors += pc.Errors
		}
		out[name] = c
	}
	return out
}

// Producer adds an extra input to the named step and returns a handle to
// feed it. The step must run exactly one copy.
func (p *Pipeline) Producer(stepName string) (*RowProducer, error) {
	if !p.wired {
		return nil, &step.ConfigurationError{Step: stepName, Err: fmt.Errorf("pipeline %q is not wired", p.def.Name)}
	}
	ins := p.byStep[stepName]
	switch {
	case len(ins) == 0:
		return nil, step.Configf(stepName, "no such step in pipeline %q", p.def.Name)
	case len(ins) > 1:
		return nil, step.Configf(stepName, "producer needs a single copy, step runs %d", len(ins))
	}
	to := ins[0].State
	rs := p.newSet(stepName+"-producer", stepName, to)
	to.AddInput(rs)
	return &RowProducer{set: rs}, nil
}

// RunError is returned when a run ends with a non-zero error count.
type RunError struct {
	Pipeline string
	Errors   int64
	Cause    error
}

func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pipeline %s finished with %d error(s): %v", e.Pipeline, e.Errors, e.Cause)
	}
	return fmt.Sprintf("pipeline %s finished with %d error(s)", e.Pipeline, e.Errors)
}

func (e *RunError) Unwrap() error { return e.Cause }

// initAll runs Init on every copy in definition order. On failure every copy
// initialized so far is disposed and a ConfigurationError is returned.
func (p *Pipeline) initAll() error {
	for i, in := range p.instances {
		err := in.Step.Init(in.Config, in.State)
		if err == nil {
			in.State.SetStatus(step.StatusInitialized)
			continue
		}
		in.State.AddErrors(1)
		in.State.SetStatus(step.StatusErrored)
		level.Error(in.State.Logger()).Log("msg", "init failed", "err", err)
		for _, done := range p.instances[:i+1] {
			done.Step.Dispose(done.Config, done.State)
		}
		if ce, ok := err.(*step.ConfigurationError); ok {
			return ce
		}
		return &step.ConfigurationError{Step: in.Config.Name, Err: err}
	}
	return nil
}

// getenvInt reads an integer environment override.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
