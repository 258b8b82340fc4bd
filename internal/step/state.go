package step

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
)

// Status is the lifecycle state of one step copy.
type Status int32

const (
	StatusCreated Status = iota
	StatusInitialized
	StatusRunning
	StatusDone
	StatusStopped
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusStopped:
		return "stopped"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s >= StatusDone }

// Stopper is anything that takes part in a stop cascade.
type Stopper interface {
	StopAll()
}

// Host is the pipeline a step copy runs in.
type Host interface {
	Name() string
	// StopAll stops every step of the pipeline and of its adopted children.
	StopAll()
	// Adopt binds a nested pipeline to the host so a stop cascades into it.
	Adopt(child Stopper)
	Resolver() config.Resolver
}

// RowListener observes rows moving through a step copy. Callbacks run on the
// step's goroutine.
type RowListener interface {
	RowRead(s *row.Schema, r row.Row)
	RowWritten(s *row.Schema, r row.Row)
	ErrorRowWritten(s *row.Schema, r row.Row)
}

// RowListenerFuncs adapts plain functions to RowListener. Nil fields are skipped.
type RowListenerFuncs struct {
	Read    func(*row.Schema, row.Row)
	Written func(*row.Schema, row.Row)
	Error   func(*row.Schema, row.Row)
}

func (f RowListenerFuncs) RowRead(s *row.Schema, r row.Row) {
	if f.Read != nil {
		f.Read(s, r)
	}
}

func (f RowListenerFuncs) RowWritten(s *row.Schema, r row.Row) {
	if f.Written != nil {
		f.Written(s, r)
	}
}

func (f RowListenerFuncs) ErrorRowWritten(s *row.Schema, r row.Row) {
	if f.Error != nil {
		f.Error(s, r)
	}
}

// Counters is a snapshot of a copy's row counters.
type Counters struct {
	Read     int64
	Written  int64
	Rejected int64
	Output   int64
	Errors   int64
}

// StateConfig carries what NewState needs.
type StateConfig struct {
	Step   Config
	Copy   int
	Host   Host
	Logger log.Logger
	// FeedbackSize logs a progress line every N rows read. Zero disables it.
	FeedbackSize int
}

// State is the mutable runtime state of one step copy. Row movement methods
// are meant to be called only from the goroutine running the copy; counters,
// status and the stop flag are safe to read from anywhere.
type State struct {
	name       string
	copyNr     int
	host       Host
	logger     log.Logger
	feedback   int64
	distribute bool
	errCfg     config.ErrorHandling

	status  atomic.Int32
	stopped atomic.Bool

	read     atomic.Int64
	written  atomic.Int64
	rejected atomic.Int64
	output   atomic.Int64
	errors   atomic.Int64

	inputs   []rowset.RowSet
	outputs  []rowset.RowSet
	errorSet rowset.RowSet

	wake     chan struct{}
	stop     <-chan struct{}
	blocking bool

	nextIn      int
	nextOut     int
	nextTarget  map[string]int
	inputSchema *row.Schema

	errSchemaFor *row.Schema
	errSchema    *row.Schema

	lmu       sync.Mutex
	listeners []RowListener
}

func NewState(c StateConfig) *State {
	return &State{
		name:       c.Step.Name,
		copyNr:     c.Copy,
		host:       c.Host,
		logger:     logging.OrNop(c.Logger),
		feedback:   int64(c.FeedbackSize),
		distribute: c.Step.Distribute,
		errCfg:     c.Step.ErrorHandling,
		wake:       make(chan struct{}, 1),
		nextTarget: map[string]int{},
	}
}

func (s *State) Name() string        { return s.name }
func (s *State) Copy() int           { return s.copyNr }
func (s *State) Host() Host          { return s.host }
func (s *State) Logger() log.Logger  { return s.logger }
func (s *State) Status() Status      { return Status(s.status.Load()) }
func (s *State) SetStatus(st Status) { s.status.Store(int32(st)) }

// Stop sets the stop flag. It is one-way and reports whether this call was
// the one that set it.
func (s *State) Stop() bool { return s.stopped.CompareAndSwap(false, true) }

func (s *State) IsStopped() bool   { return s.stopped.Load() }
func (s *State) AddErrors(n int64) { s.errors.Add(n) }
func (s *State) Errors() int64     { return s.errors.Load() }
func (s *State) IncOutput(n int64) { s.output.Add(n) }

// Progress returns a snapshot of the row counters.
func (s *State) Progress() Counters {
	return Counters{
		Read:     s.read.Load(),
		Written:  s.written.Load(),
		Rejected: s.rejected.Load(),
		Output:   s.output.Load(),
		Errors:   s.errors.Load(),
	}
}

// Wiring. These are called by the pipeline before the copy starts.

func (s *State) AddInput(rs rowset.RowSet)       { s.inputs = append(s.inputs, rs) }
func (s *State) AddOutput(rs rowset.RowSet)      { s.outputs = append(s.outputs, rs) }
func (s *State) SetErrorOutput(rs rowset.RowSet) { s.errorSet = rs }

// SetStop installs the pipeline stop channel. blocking selects whether reads
// wait for rows (threaded) or report rowset.Empty (cooperative).
func (s *State) SetStop(stop <-chan struct{}, blocking bool) {
	s.stop = stop
	s.blocking = blocking
}

// Wake is the channel input buffers signal when rows arrive.
func (s *State) Wake() chan struct{} { return s.wake }

func (s *State) Inputs() []rowset.RowSet    { return s.inputs }
func (s *State) Outputs() []rowset.RowSet   { return s.outputs }
func (s *State) ErrorOutput() rowset.RowSet { return s.errorSet }

// InputProducers lists the distinct upstream step names in wiring order.
func (s *State) InputProducers() []string {
	var out []string
	seen := map[string]bool{}
	for _, in := range s.inputs {
		if p := in.Producer(); !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// FindInput returns the input row sets fed by the named step.
func (s *State) FindInput(producer string) []rowset.RowSet {
	var out []rowset.RowSet
	for _, in := range s.inputs {
		if in.Producer() == producer {
			out = append(out, in)
		}
	}
	return out
}

// FindOutput returns the output row sets feeding the named step.
func (s *State) FindOutput(consumer string) []rowset.RowSet {
	var out []rowset.RowSet
	for _, o := range s.outputs {
		if o.Consumer() == consumer {
			out = append(out, o)
		}
	}
	return out
}

// InputSchema returns the schema of the most recently read row.
func (s *State) InputSchema() *row.Schema { return s.inputSchema }

func (s *State) AddRowListener(l RowListener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *State) notify(fn func(RowListener)) {
	s.lmu.Lock()
	ls := s.listeners
	s.lmu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// GetRow returns the next row from any input. It reports rowset.EOF once
// every input is finished (or there are none) and rowset.Stopped when the
// copy or pipeline was stopped. In cooperative mode it returns rowset.Empty
// instead of waiting.
func (s *State) GetRow() (rowset.Item, rowset.Result) {
	return s.getFrom(s.inputs, &s.nextIn)
}

// GetRowFrom reads from the given subset of inputs, typically the result of
// FindInput.
func (s *State) GetRowFrom(sets ...rowset.RowSet) (rowset.Item, rowset.Result) {
	cursor := 0
	return s.getFrom(sets, &cursor)
}

func (s *State) getFrom(sets []rowset.RowSet, cursor *int) (rowset.Item, rowset.Result) {
	for {
		if s.IsStopped() {
			return rowset.Item{}, rowset.Stopped
		}
		n := len(sets)
		if n == 0 {
			return rowset.Item{}, rowset.EOF
		}
		allEOF := true
		for k := 0; k < n; k++ {
			idx := (*cursor + k) % n
			it, res := sets[idx].TryGet()
			switch res {
			case rowset.OK:
				*cursor = (idx + 1) % n
				s.onRead(it)
				return it, rowset.OK
			case rowset.Stopped:
				return rowset.Item{}, rowset.Stopped
			case rowset.Empty:
				allEOF = false
			}
		}
		if allEOF {
			return rowset.Item{}, rowset.EOF
		}
		if !s.blocking {
			return rowset.Item{}, rowset.Empty
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return rowset.Item{}, rowset.Stopped
		}
	}
}

func (s *State) onRead(it rowset.Item) {
	n := s.read.Add(1)
	s.inputSchema = it.Schema
	s.notify(func(l RowListener) { l.RowRead(it.Schema, it.Row) })
	if s.feedback > 0 && n%s.feedback == 0 {
		level.Info(s.logger).Log("msg", "progress", "read", n, "written", s.written.Load())
	}
}

// PutRow sends a row downstream, dealing round-robin across outputs or
// copying it to every output depending on the step's distribution mode. It
// returns false when the row could not be delivered because the pipeline is
// stopping.
func (s *State) PutRow(sch *row.Schema, r row.Row) bool {
	if s.IsStopped() {
		return false
	}
	var ok bool
	switch {
	case len(s.outputs) == 0:
		ok = true
	case len(s.outputs) == 1:
		ok = s.outputs[0].Put(sch, r)
	case s.distribute:
		rs := s.outputs[s.nextOut]
		s.nextOut = (s.nextOut + 1) % len(s.outputs)
		ok = rs.Put(sch, r)
	default:
		ok = true
		for i, rs := range s.outputs {
			rr := r
			if i > 0 {
				rr = sch.CloneRow(r)
			}
			if !rs.Put(sch, rr) {
				ok = false
				break
			}
		}
	}
	if ok {
		s.written.Add(1)
		s.notify(func(l RowListener) { l.RowWritten(sch, r) })
	}
	return ok
}

// PutRowTo sends a row to the named downstream step only. When the target
// runs several copies the row goes to them round-robin.
func (s *State) PutRowTo(sch *row.Schema, r row.Row, target string) (bool, error) {
	if s.IsStopped() {
		return false, nil
	}
	sets := s.FindOutput(target)
	if len(sets) == 0 {
		return false, Configf(s.name, "no hop to target step %q", target)
	}
	i := s.nextTarget[target] % len(sets)
	s.nextTarget[target] = i + 1
	if !sets[i].Put(sch, r) {
		return false, nil
	}
	s.written.Add(1)
	s.notify(func(l RowListener) { l.RowWritten(sch, r) })
	return true, nil
}

// PutError routes a rejected row to the error hop, extended with the error
// count, descriptions, field names and codes. It fails once the number of
// rejected rows exceeds ErrorHandling.MaxErrors.
func (s *State) PutError(sch *row.Schema, r row.Row, nErrors int64, descriptions, fieldNames, codes string) error {
	n := s.rejected.Add(1)
	if limit := s.errCfg.MaxErrors; limit > 0 && n > limit {
		return fmt.Errorf("step %s: %w (%d > %d)", s.name, ErrTooManyErrors, n, limit)
	}

	es := s.errorSchema(sch)
	er := make(row.Row, 0, len(r)+4)
	if sch != nil {
		r = sch.CloneRow(r)
	}
	er = append(er, r...)
	er = append(er, nErrors, descriptions, fieldNames, codes)

	s.notify(func(l RowListener) { l.ErrorRowWritten(es, er) })
	if s.errorSet != nil {
		s.errorSet.Put(es, er)
	}
	return nil
}

// HandleRowError applies the step's error handling to a failing row. With
// handling enabled the row goes to the error hop and nil is returned (unless
// the rejection limit is hit); otherwise err is returned unchanged and is
// fatal to the step.
func (s *State) HandleRowError(sch *row.Schema, r row.Row, err error) error {
	if !s.errCfg.Enabled {
		return err
	}
	code, field := "ERROR", ""
	var ce *row.ConversionError
	if errors.As(err, &ce) {
		code, field = ce.Code, ce.Field
	}
	return s.PutError(sch, r, 1, err.Error(), field, code)
}

// ErrorHandlingEnabled reports whether rejected rows are routed rather than fatal.
func (s *State) ErrorHandlingEnabled() bool { return s.errCfg.Enabled }

func (s *State) errorSchema(sch *row.Schema) *row.Schema {
	if s.errSchema != nil && s.errSchemaFor == sch {
		return s.errSchema
	}
	count, desc, fields, codes := s.errCfg.FieldNames()
	es := row.NewSchema()
	if sch != nil {
		es = sch.Clone()
	}
	es.AddField(row.Field{Name: count, Type: row.TypeInteger, Origin: s.name})
	es.AddField(row.Field{Name: desc, Type: row.TypeString, Origin: s.name})
	es.AddField(row.Field{Name: fields, Type: row.TypeString, Origin: s.name})
	es.AddField(row.Field{Name: codes, Type: row.TypeString, Origin: s.name})
	s.errSchemaFor, s.errSchema = sch, es
	return es
}

// SetOutputDone signals end-of-stream on every output, including the error hop.
func (s *State) SetOutputDone() {
	for _, o := range s.outputs {
		o.SetDone()
	}
	if s.errorSet != nil {
		s.errorSet.SetDone()
	}
}
