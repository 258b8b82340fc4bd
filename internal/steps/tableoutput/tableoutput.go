// Package tableoutput implements the "tableoutput" step: it writes every row
// it reads to a database table through a storage.Repository and forwards the
// row downstream unchanged.
//
// Options:
//
//	kind:         storage backend ("sqlite", "postgres", "mssql", "mysql")
//	dsn:          driver connection string
//	table:        target table, optionally schema-qualified
//	columns:      fields to write, in order (default: every input field)
//	batch_size:   rows per CopyFrom call (default 1000)
//	create_table: create the table from the first row's layout
//
// Database failures are resource errors and stop the step.
package tableoutput

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"rowflow/internal/metrics"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
	"rowflow/internal/storage"
)

// Kind is the registered step kind.
const Kind = "tableoutput"

const DefaultBatchSize = 1000

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type TableOutput struct {
	cfg       storage.Config
	batchSize int
	create    bool

	ctx    context.Context
	cancel context.CancelFunc
	repo   storage.Repository

	schema  *row.Schema
	indexes []int
	batch   [][]any
	total   int64
	started time.Time
}

// openRepo is swapped in tests.
var openRepo = storage.New

func New(step.Config) (step.Step, error) { return &TableOutput{}, nil }

func (t *TableOutput) Init(cfg step.Config, st *step.State) error {
	t.cfg = storage.Config{
		Kind:    cfg.Options.String("kind", ""),
		DSN:     cfg.Options.String("dsn", ""),
		Table:   cfg.Options.String("table", ""),
		Columns: append([]string(nil), cfg.Options.StringSlice("columns")...),
	}
	if t.cfg.Kind == "" || t.cfg.Table == "" {
		return step.Configf(cfg.Name, "kind and table are required")
	}
	var err error
	if t.batchSize, err = cfg.Options.ParseInt("batch_size", DefaultBatchSize); err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}
	if t.batchSize < 1 {
		return step.Configf(cfg.Name, "batch_size must be >= 1, got %d", t.batchSize)
	}
	t.create = cfg.Options.Bool("create_table", false)

	t.ctx, t.cancel = context.WithCancel(context.Background())
	repo, err := openRepo(t.ctx, t.cfg)
	if err != nil {
		t.cancel()
		return &step.ResourceError{Step: cfg.Name, Op: "open " + t.cfg.Kind, Err: err}
	}
	t.repo = repo
	t.batch = make([][]any, 0, t.batchSize)
	t.started = time.Now()
	return nil
}

func (t *TableOutput) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	it, res := st.GetRow()
	switch res {
	case rowset.OK:
	case rowset.Empty:
		return true, nil
	case rowset.EOF:
		if err := t.flush(cfg, st); err != nil {
			return false, err
		}
		level.Info(st.Logger()).Log("msg", "table written", "table", t.cfg.Table,
			"rows", humanize.Comma(t.total), "took", time.Since(t.started).Truncate(time.Millisecond))
		return false, nil
	default:
		return false, nil
	}

	if t.schema != it.Schema {
		if err := t.bind(cfg, it.Schema); err != nil {
			return false, err
		}
	}
	vals := make([]any, len(t.indexes))
	for i, idx := range t.indexes {
		vals[i] = it.Row[idx]
	}
	t.batch = append(t.batch, vals)
	if len(t.batch) >= t.batchSize {
		if err := t.flush(cfg, st); err != nil {
			return false, err
		}
	}
	return st.PutRow(it.Schema, it.Row), nil
}

// bind resolves the column indexes for a new input layout and, the first
// time, creates the table when asked to.
func (t *TableOutput) bind(cfg step.Config, s *row.Schema) error {
	td, err := storage.TableFromSchema(t.cfg.Table, s, t.cfg.Columns)
	if err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}
	first := t.schema == nil
	t.schema = s
	t.indexes = t.indexes[:0]
	t.cfg.Columns = t.cfg.Columns[:0]
	for _, c := range td.Columns {
		t.indexes = append(t.indexes, s.IndexOf(c.Name))
		t.cfg.Columns = append(t.cfg.Columns, c.Name)
	}
	if !first || !t.create {
		return nil
	}
	ddl, err := storage.CreateTableSQL(t.cfg.Kind, td)
	if err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}
	if err := t.repo.Exec(t.ctx, ddl); err != nil {
		return &step.ResourceError{Step: cfg.Name, Op: "create table " + t.cfg.Table, Err: err}
	}
	return nil
}

func (t *TableOutput) flush(cfg step.Config, st *step.State) error {
	if len(t.batch) == 0 {
		return nil
	}
	n, err := t.repo.CopyFrom(t.ctx, t.cfg.Columns, t.batch)
	t.batch = t.batch[:0]
	if err != nil {
		return &step.ResourceError{Step: cfg.Name, Op: "write " + t.cfg.Table, Err: err}
	}
	t.total += n
	st.IncOutput(n)
	var pipeline string
	if h := st.Host(); h != nil {
		pipeline = h.Name()
	}
	metrics.RecordBatches(pipeline, cfg.Name, 1)
	level.Debug(st.Logger()).Log("msg", "batch written", "rows", n, "total", humanize.Comma(t.total))
	return nil
}

// Dispose closes the repository. Rows still buffered after a stop are
// dropped.
func (t *TableOutput) Dispose(step.Config, *step.State) {
	if t.repo != nil {
		t.repo.Close()
		t.repo = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// RequestStop aborts any statement in flight.
func (t *TableOutput) RequestStop(step.Config, *step.State) {
	if t.cancel != nil {
		t.cancel()
	}
}
