// Package join implements the "join" step: the cartesian product of all its
// input streams, optionally filtered by a condition.
//
// Options:
//
//	main_step:  stream read directly from its hop, never cached (optional)
//	cache_size: rows kept in memory per side stream (default 500)
//	directory:  where spill files go (default os.TempDir())
//	prefix:     spill file name prefix (default "rowflow-join-")
//	compress:   snappy-compress spill files
//	condition:  filter evaluated on every joined row
//
// Every stream other than the main one is first drained into a spill file,
// keeping an in-memory copy while it stays within cache_size rows. The join
// then walks the streams like an odometer: the first stream is the slowest
// wheel, the last one the fastest, and a wheel that runs out is rewound and
// carries into the one before it.
package join

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"rowflow/internal/condition"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/spill"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "join"

const (
	DefaultCacheSize = 500
	DefaultPrefix    = "rowflow-join-"
)

func init() {
	step.Register(step.Registration{Kind: Kind, New: New, DedicatedThread: true})
}

// stream is one input of the join.
type stream struct {
	name   string
	sets   []rowset.RowSet
	direct bool // read straight from the hop

	schema *row.Schema
	file   *spill.File
	cache  []row.Row
	cached bool // cache holds the whole stream
	rows   int64
	pos    int
	cur    row.Row
}

type Join struct {
	cacheSize int
	spillOpts spill.Options
	cond      condition.Condition
	mainStep  string

	streams  []*stream
	prepared bool
	started  bool
	finished bool

	schema   *row.Schema
	compiled *condition.Compiled
}

func New(step.Config) (step.Step, error) { return &Join{}, nil }

func (j *Join) Init(cfg step.Config, st *step.State) error {
	var err error
	if j.cacheSize, err = cfg.Options.ParseInt("cache_size", DefaultCacheSize); err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}
	if j.cacheSize < 0 {
		return step.Configf(cfg.Name, "cache_size must be >= 0")
	}
	j.spillOpts = spill.Options{
		Dir:      cfg.Options.String("directory", ""),
		Prefix:   cfg.Options.String("prefix", DefaultPrefix),
		Compress: cfg.Options.Bool("compress", false),
	}
	if _, err := cfg.Options.Decode("condition", &j.cond); err != nil {
		return step.Configf(cfg.Name, "condition: %v", err)
	}
	j.mainStep = cfg.Options.String("main_step", "")

	producers := st.InputProducers()
	if len(producers) < 2 {
		return step.Configf(cfg.Name, "join needs at least 2 input streams, got %d", len(producers))
	}
	if j.mainStep != "" {
		if len(st.FindInput(j.mainStep)) == 0 {
			return step.Configf(cfg.Name, "main step %q is not an input", j.mainStep)
		}
		j.streams = append(j.streams, &stream{name: j.mainStep, sets: st.FindInput(j.mainStep), direct: true})
	}
	for _, p := range producers {
		if p == j.mainStep {
			continue
		}
		j.streams = append(j.streams, &stream{name: p, sets: st.FindInput(p)})
	}
	return nil
}

func (j *Join) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	if j.finished {
		return false, nil
	}
	if !j.prepared {
		more, err := j.prepare(cfg, st)
		if err != nil || !more {
			return false, err
		}
		j.prepared = true
	}

	var (
		ok  bool
		err error
	)
	if !j.started {
		ok, err = j.first(cfg, st)
		j.started = true
	} else {
		ok, err = j.next(cfg, st)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		j.finished = true
		j.drainDirect(st)
		return false, nil
	}

	if j.schema == nil {
		if err := j.buildSchema(cfg); err != nil {
			return false, err
		}
	}
	vals := make([]row.Row, len(j.streams))
	for i, s := range j.streams {
		vals[i] = s.cur
	}
	out := j.schema.CloneRow(row.Concat(vals...))
	if !j.compiled.Evaluate(out) {
		return true, nil
	}
	return st.PutRow(j.schema, out), nil
}

// Dispose removes every spill file. Failures are logged only.
func (j *Join) Dispose(cfg step.Config, st *step.State) {
	for _, s := range j.streams {
		if s.file == nil {
			continue
		}
		if err := s.file.Remove(); err != nil {
			level.Warn(st.Logger()).Log("msg", "remove spill file", "file", s.file.Path(), "err", err)
		}
		s.file = nil
		s.cache = nil
	}
}

func (*Join) RequestStop(step.Config, *step.State) {}

// drainDirect discards what is left on the main hop so its producer is not
// left blocked on a full buffer when another stream ran out first.
func (j *Join) drainDirect(st *step.State) {
	for _, s := range j.streams {
		if !s.direct {
			continue
		}
		for {
			if _, res := st.GetRowFrom(s.sets...); res != rowset.OK {
				break
			}
		}
	}
}

// prepare drains every non-direct stream into its spill file. It returns
// false when the step was stopped meanwhile.
func (j *Join) prepare(cfg step.Config, st *step.State) (bool, error) {
	for _, s := range j.streams {
		if s.direct {
			continue
		}
		f, err := spill.Create(j.spillOpts)
		if err != nil {
			return false, &step.ResourceError{Step: cfg.Name, Op: "create spill file", Err: err}
		}
		s.file = f
		s.cached = true

		for {
			it, res := st.GetRowFrom(s.sets...)
			if res == rowset.EOF {
				break
			}
			if res != rowset.OK {
				return false, nil
			}
			if s.schema == nil {
				s.schema = it.Schema
			}
			// checked before caching so a cached stream fails like a spilled one
			if err := row.CheckRow(it.Row); err != nil {
				return false, fmt.Errorf("stream %s row %d: %w", s.name, s.rows+1, err)
			}
			if err := s.file.Write(it.Row); err != nil {
				return false, &step.ResourceError{Step: cfg.Name, Op: "write spill file", Err: err}
			}
			s.rows++
			if s.cached {
				if s.rows > int64(j.cacheSize) {
					s.cache, s.cached = nil, false
				} else {
					s.cache = append(s.cache, it.Row)
				}
			}
		}
		if err := s.rewind(cfg); err != nil {
			return false, err
		}
		level.Info(st.Logger()).Log("msg", "stream spilled", "stream", s.name,
			"rows", humanize.Comma(s.rows), "size", humanize.Bytes(uint64(s.file.Bytes())), "in_memory", s.cached)
	}
	return true, nil
}

// first positions every stream on its first row. It returns false when any
// stream is empty.
func (j *Join) first(cfg step.Config, st *step.State) (bool, error) {
	for _, s := range j.streams {
		ok, err := s.advance(cfg, st)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// next moves to the following combination, last stream fastest.
func (j *Join) next(cfg step.Config, st *step.State) (bool, error) {
	for i := len(j.streams) - 1; i >= 0; i-- {
		s := j.streams[i]
		ok, err := s.advance(cfg, st)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if i == 0 {
			return false, nil
		}
		// carry: rewind this wheel and move the next outer one
		if err := s.rewind(cfg); err != nil {
			return false, err
		}
		if ok, err := s.advance(cfg, st); err != nil || !ok {
			return false, err
		}
	}
	return false, nil
}

func (j *Join) buildSchema(cfg step.Config) error {
	j.schema = row.NewSchema()
	for _, s := range j.streams {
		j.schema.MergeFrom(s.schema, "")
	}
	c, err := j.cond.Compile(j.schema)
	if err != nil {
		return &step.ConfigurationError{Step: cfg.Name, Err: err}
	}
	j.compiled = c
	return nil
}

// advance moves the stream to its next row. It returns false at the end.
func (s *stream) advance(cfg step.Config, st *step.State) (bool, error) {
	switch {
	case s.direct:
		it, res := st.GetRowFrom(s.sets...)
		if res != rowset.OK {
			return false, nil
		}
		if s.schema == nil {
			s.schema = it.Schema
		}
		s.cur = it.Row
		return true, nil
	case s.cached:
		if s.pos >= len(s.cache) {
			return false, nil
		}
		s.cur = s.cache[s.pos]
		s.pos++
		return true, nil
	default:
		r, err := s.file.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, &step.ResourceError{Step: cfg.Name, Op: "read spill file " + s.file.Path(), Err: err}
		}
		s.cur = r
		return true, nil
	}
}

func (s *stream) rewind(cfg step.Config) error {
	s.pos = 0
	if s.cached {
		return nil
	}
	if err := s.file.Rewind(); err != nil {
		return &step.ResourceError{Step: cfg.Name, Op: "rewind spill file", Err: err}
	}
	return nil
}
