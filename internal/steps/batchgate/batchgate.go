// Package batchgate implements the "batchgate" step. It collects parent rows
// into batches and runs each batch through an embedded sub-pipeline on the
// step's own goroutine, forwarding what the sub-pipeline's retrieve step
// writes.
//
// Options:
//
//	reference:     {file, name} of the sub-pipeline definition
//	injector_step: sub-pipeline step fed with the batch rows
//	retrieve_step: sub-pipeline step whose written rows are forwarded
//	batch_size:    rows per batch (default 100)
//	batch_time:    close a batch once it is this old (ms or Go duration);
//	               checked only when a row arrives
//
// When the sub-pipeline reports errors for a batch and error handling is
// enabled, every row of that batch goes to the error hop with the batch's
// captured log as description, and the next batch starts clean. Without
// error handling the step fails and the parent pipeline stops.
package batchgate

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/metrics"
	"rowflow/internal/pipeline"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "batchgate"

// CodeEmbeddedError is the error code on rows of a failed batch.
const CodeEmbeddedError = "EMBEDDED_ERROR"

const DefaultBatchSize = 100

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type BatchGate struct {
	batchSize int
	batchTime time.Duration
	retrieve  string

	ex       *pipeline.Executor
	producer *pipeline.RowProducer
	capture  *logging.Capture

	pending    int
	batchStart time.Time
	retained   []rowset.Item
	results    []rowset.Item
	flushes    int
	sizes      []int

	// now is swapped in tests.
	now func() time.Time
}

func New(step.Config) (step.Step, error) { return &BatchGate{now: time.Now}, nil }

func (g *BatchGate) Init(cfg step.Config, st *step.State) error {
	var ref config.MappingReference
	found, err := cfg.Options.Decode("reference", &ref)
	if err != nil {
		return step.Configf(cfg.Name, "reference: %v", err)
	}
	if !found || ref.String() == "" {
		return step.Configf(cfg.Name, "reference is required")
	}
	injector := cfg.Options.String("injector_step", "")
	g.retrieve = cfg.Options.String("retrieve_step", "")
	if injector == "" || g.retrieve == "" {
		return step.Configf(cfg.Name, "injector_step and retrieve_step are required")
	}
	if g.batchSize, err = cfg.Options.ParseInt("batch_size", DefaultBatchSize); err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}
	if g.batchSize < 1 {
		return step.Configf(cfg.Name, "batch_size must be >= 1, got %d", g.batchSize)
	}
	if g.batchTime, err = cfg.Options.ParseDuration("batch_time", 0); err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}

	var resolver config.Resolver = config.FileResolver{}
	host := st.Host()
	if host != nil && host.Resolver() != nil {
		resolver = host.Resolver()
	}
	def, err := resolver.LoadPipelineDefinition(ref)
	if err != nil {
		return step.Configf(cfg.Name, "load %s: %v", ref, err)
	}
	if def, err = config.Substitute(def, nil); err != nil {
		return step.Configf(cfg.Name, "%s: %v", ref, err)
	}

	g.capture = logging.NewCapture()
	opts := []pipeline.Option{
		pipeline.WithLogger(logging.Tee(st.Logger(), g.capture)),
		pipeline.WithResolver(resolver),
	}
	if host != nil {
		opts = append(opts, pipeline.WithParent(host))
	}
	p, err := pipeline.New(def, opts...)
	if err != nil {
		return step.Configf(cfg.Name, "%s: %v", ref, err)
	}
	retrieve := p.Step(g.retrieve)
	if len(retrieve) != 1 {
		return step.Configf(cfg.Name, "retrieve step %q must exist and run one copy", g.retrieve)
	}
	retrieve[0].State.AddRowListener(step.RowListenerFuncs{
		Written: func(s *row.Schema, r row.Row) {
			g.results = append(g.results, rowset.Item{Schema: s, Row: r})
		},
	})

	g.ex, err = pipeline.NewExecutor(p)
	if err != nil {
		return step.Configf(cfg.Name, "%s: %v", ref, err)
	}
	g.producer, err = g.ex.Producer(injector)
	if err != nil {
		g.ex.Dispose()
		g.ex = nil
		return step.Configf(cfg.Name, "%s: %v", ref, err)
	}
	return nil
}

func (g *BatchGate) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	it, res := st.GetRow()
	switch res {
	case rowset.OK:
	case rowset.Empty:
		return true, nil
	case rowset.EOF:
		g.producer.Finish()
		return false, g.flush(cfg, st, g.pending > 0)
	default:
		return false, nil
	}

	if g.pending == 0 {
		g.batchStart = g.now()
	}
	if !g.producer.PutRow(it.Schema, it.Row) {
		return false, nil
	}
	g.pending++
	if st.ErrorHandlingEnabled() {
		g.retained = append(g.retained, rowset.Item{Schema: it.Schema, Row: it.Schema.CloneRow(it.Row)})
	}

	full := g.pending >= g.batchSize
	late := g.batchTime > 0 && g.now().Sub(g.batchStart) >= g.batchTime
	if full || late {
		if err := g.flush(cfg, st, true); err != nil {
			return false, err
		}
	}
	return !st.IsStopped(), nil
}

// flush drains the sub-pipeline once and forwards or rejects the outcome.
// batch is false for the closing drain after end of input when no rows were
// pending; it lets the sub-pipeline finish without counting a batch.
func (g *BatchGate) flush(cfg step.Config, st *step.State, batch bool) error {
	g.capture.Reset()
	ticks := g.ex.Drain()
	nErr := g.ex.Errors()
	cause := g.ex.LastError()
	if nErr == 0 {
		// a copy that died in an earlier batch swallows this one's rows
		if err := g.ex.Failed(); err != nil {
			nErr, cause = 1, err
		}
	}
	results := g.results
	g.results = nil
	retained := g.retained
	g.retained = nil
	in := g.pending
	g.pending = 0

	if batch {
		g.flushes++
		g.sizes = append(g.sizes, in)
		metrics.RecordBatches(hostName(st), cfg.Name, 1)
	}
	level.Debug(st.Logger()).Log("msg", "batch flushed", "batch", g.flushes, "rows_in", humanize.Comma(int64(in)),
		"rows_out", humanize.Comma(int64(len(results))), "ticks", ticks, "errors", nErr)

	if nErr == 0 {
		for _, r := range results {
			if !st.PutRow(r.Schema, r.Row) {
				return nil
			}
		}
		return nil
	}

	if !st.ErrorHandlingEnabled() {
		return &step.EmbeddedPipelineError{Step: cfg.Name, Errors: nErr, Cause: cause}
	}
	text := g.capture.Text()
	level.Warn(st.Logger()).Log("msg", "batch rejected", "batch", g.flushes, "rows", len(retained), "errors", nErr, "err", cause)
	for _, r := range retained {
		if err := st.PutError(r.Schema, r.Row, nErr, text, "", CodeEmbeddedError); err != nil {
			return err
		}
	}
	g.ex.ClearError()
	return nil
}

// Dispose tears the sub-pipeline down. It is safe to call more than once.
func (g *BatchGate) Dispose(step.Config, *step.State) {
	if g.ex == nil {
		return
	}
	g.producer.Finish()
	g.ex.Dispose()
	g.ex = nil
	g.retained, g.results = nil, nil
}

func (g *BatchGate) RequestStop(step.Config, *step.State) {}

// Flushes returns the number of batches run so far.
func (g *BatchGate) Flushes() int { return g.flushes }

// BatchSizes returns the input row count of every batch run so far.
func (g *BatchGate) BatchSizes() []int { return g.sizes }

func hostName(st *step.State) string {
	if h := st.Host(); h != nil {
		return h.Name()
	}
	return ""
}
