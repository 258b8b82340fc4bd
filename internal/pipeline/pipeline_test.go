package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rowflow/internal/config"
	"rowflow/internal/pipeline"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"

	_ "rowflow/internal/steps/batchgate"
	_ "rowflow/internal/steps/convert"
	_ "rowflow/internal/steps/dummy"
	_ "rowflow/internal/steps/generator"
	_ "rowflow/internal/steps/injector"
	_ "rowflow/internal/steps/join"
)

// failOn forwards string rows and fails on the configured value, returning
// false as a step giving up would.
type failOn struct {
	step.Defaults
	bad string
}

func (*failOn) Init(step.Config, *step.State) error { return nil }

func (f *failOn) ProcessRow(_ step.Config, st *step.State) (bool, error) {
	it, res := st.GetRow()
	switch res {
	case rowset.OK:
	case rowset.Empty:
		return true, nil
	default:
		return false, nil
	}
	if it.Row[0] == f.bad {
		return false, errors.New("bad row")
	}
	return st.PutRow(it.Schema, it.Row), nil
}

// failNow fails on every call without reading anything.
type failNow struct{ step.Defaults }

func (*failNow) Init(step.Config, *step.State) error { return nil }

func (*failNow) ProcessRow(step.Config, *step.State) (bool, error) {
	return false, errors.New("broken")
}

func init() {
	step.Register(step.Registration{Kind: "fail-on", New: func(cfg step.Config) (step.Step, error) {
		return &failOn{bad: cfg.Options.String("bad", "")}, nil
	}})
	step.Register(step.Registration{Kind: "fail-now", New: func(step.Config) (step.Step, error) {
		return &failNow{}, nil
	}})
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intGenerator(name string, limit int) config.StepDef {
	return config.StepDef{Name: name, Kind: "generator", Options: config.Options{
		"fields": []any{map[string]any{"name": "id", "type": "integer", "value": 1}},
		"limit":  limit,
	}}
}

func stringRows(name string, vals ...string) config.StepDef {
	rows := make([]any, len(vals))
	for i, v := range vals {
		rows[i] = []any{v}
	}
	return config.StepDef{Name: name, Kind: "generator", Options: config.Options{
		"fields": []any{map[string]any{"name": "id", "type": "string"}},
		"rows":   rows,
	}}
}

func toInteger(name string, eh config.ErrorHandling) config.StepDef {
	return config.StepDef{Name: name, Kind: "convert", ErrorHandling: eh, Options: config.Options{
		"fields": []any{map[string]any{"name": "id", "type": "integer"}},
	}}
}

func dummy(name string, copies int) config.StepDef {
	return config.StepDef{Name: name, Kind: "dummy", Copies: copies}
}

func newSupervisor(t *testing.T, def config.Pipeline, opts ...pipeline.Option) *pipeline.Supervisor {
	t.Helper()
	p, err := pipeline.New(def, opts...)
	require.NoError(t, err)
	s, err := pipeline.NewSupervisor(p)
	require.NoError(t, err)
	return s
}

func TestSupervisorRunsChain(t *testing.T) {
	def := config.Pipeline{
		Name:  "chain",
		Steps: []config.StepDef{intGenerator("gen", 1000), dummy("mid", 2), dummy("sink", 1)},
		Hops:  []config.Hop{{From: "gen", To: "mid"}, {From: "mid", To: "sink"}},
	}
	s := newSupervisor(t, def, pipeline.WithBufferSize(16))
	require.NoError(t, s.Run(context.Background()))

	prog := s.Pipeline().Progress()
	assert.Equal(t, int64(1000), prog["gen"].Written)
	assert.Equal(t, int64(1000), prog["mid"].Read)
	assert.Equal(t, int64(1000), prog["sink"].Read)
	assert.Zero(t, s.Errors())
	for _, in := range s.Pipeline().Instances() {
		assert.Equal(t, step.StatusDone, in.State.Status(), in.Config.Name)
	}
}

func TestConversionErrorStopsEverything(t *testing.T) {
	vals := make([]string, 500)
	for i := range vals {
		vals[i] = "12"
	}
	vals[3] = "not a number"
	def := config.Pipeline{
		Name:  "bad",
		Steps: []config.StepDef{stringRows("gen", vals...), toInteger("conv", config.ErrorHandling{}), dummy("sink", 1)},
		Hops:  []config.Hop{{From: "gen", To: "conv"}, {From: "conv", To: "sink"}},
	}
	s := newSupervisor(t, def, pipeline.WithBufferSize(4))
	err := s.Run(context.Background())

	var re *pipeline.RunError
	require.ErrorAs(t, err, &re)
	assert.GreaterOrEqual(t, re.Errors, int64(1))
	assert.True(t, step.IsConversion(err))
	assert.GreaterOrEqual(t, s.Errors(), int64(1))
	assert.True(t, s.Pipeline().Stopped())
	for _, in := range s.Pipeline().Instances() {
		assert.True(t, in.State.IsStopped(), in.Config.Name)
	}
	assert.Equal(t, step.StatusErrored, s.Pipeline().Step("conv")[0].State.Status())
}

func TestErrorHopKeepsRunning(t *testing.T) {
	def := config.Pipeline{
		Name: "routed",
		Steps: []config.StepDef{
			stringRows("gen", "1", "x", "2", "y", "3"),
			toInteger("conv", config.ErrorHandling{Enabled: true}),
			dummy("ok", 1),
			dummy("bad", 1),
		},
		Hops: []config.Hop{
			{From: "gen", To: "conv"},
			{From: "conv", To: "ok"},
			{From: "conv", To: "bad", Error: true},
		},
	}
	s := newSupervisor(t, def)
	require.NoError(t, s.Run(context.Background()))

	prog := s.Pipeline().Progress()
	assert.Equal(t, int64(3), prog["ok"].Read)
	assert.Equal(t, int64(2), prog["bad"].Read)
	assert.Equal(t, int64(2), prog["conv"].Rejected)
}

func TestInitFailureIsConfigurationError(t *testing.T) {
	def := config.Pipeline{
		Name: "noinit",
		Steps: []config.StepDef{
			intGenerator("gen", 1),
			{Name: "conv", Kind: "convert"},
		},
		Hops: []config.Hop{{From: "gen", To: "conv"}},
	}
	s := newSupervisor(t, def)
	err := s.Run(context.Background())

	var ce *step.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "conv", ce.Step)
	assert.Equal(t, int64(1), s.Errors())
	assert.Equal(t, step.StatusErrored, s.Pipeline().Step("conv")[0].State.Status())
}

func TestUnknownKindIsRejected(t *testing.T) {
	_, err := pipeline.New(config.Pipeline{
		Name:  "x",
		Steps: []config.StepDef{{Name: "a", Kind: "no-such-kind"}},
	})
	var ce *step.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestCopiesMismatchIsRejected(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{
		Name:  "mismatch",
		Steps: []config.StepDef{dummy("a", 2), dummy("b", 3)},
		Hops:  []config.Hop{{From: "a", To: "b"}},
	})
	require.NoError(t, err)
	_, err = pipeline.NewSupervisor(p)
	var ce *step.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestProducerFeedsInjector(t *testing.T) {
	def := config.Pipeline{
		Name:  "inject",
		Steps: []config.StepDef{{Name: "in", Kind: "injector"}, dummy("out", 1)},
		Hops:  []config.Hop{{From: "in", To: "out"}},
	}
	s := newSupervisor(t, def, pipeline.WithBufferSize(2))
	prod, err := s.Producer("in")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	sch := row.NewSchema(row.Field{Name: "id", Type: row.TypeInteger})
	for i := 0; i < 50; i++ {
		require.True(t, prod.PutRow(sch, row.Row{int64(i)}))
	}
	prod.Finish()
	require.NoError(t, s.Wait())
	assert.Equal(t, int64(50), s.Pipeline().Progress()["out"].Read)
}

func TestStopUnparksBlockedSteps(t *testing.T) {
	def := config.Pipeline{
		Name:  "parked",
		Steps: []config.StepDef{{Name: "in", Kind: "injector"}, dummy("out", 1)},
		Hops:  []config.Hop{{From: "in", To: "out"}},
	}
	s := newSupervisor(t, def)
	_, err := s.Producer("in")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// give both copies time to park on their empty inputs
	time.Sleep(20 * time.Millisecond)
	s.StopAll()
	require.NoError(t, s.Wait())
	for _, in := range s.Pipeline().Instances() {
		assert.Equal(t, step.StatusStopped, in.State.Status(), in.Config.Name)
	}
}

func TestContextCancelStops(t *testing.T) {
	def := config.Pipeline{
		Name:  "cancel",
		Steps: []config.StepDef{{Name: "in", Kind: "injector"}, dummy("out", 1)},
		Hops:  []config.Hop{{From: "in", To: "out"}},
	}
	s := newSupervisor(t, def)
	_, err := s.Producer("in")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	require.NoError(t, s.Wait())
	assert.True(t, s.Pipeline().Stopped())
}

func TestDoubleStartFails(t *testing.T) {
	s := newSupervisor(t, config.Pipeline{Name: "once", Steps: []config.StepDef{intGenerator("gen", 1)}})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Wait())
}

type stopper struct{ n int }

func (s *stopper) StopAll() { s.n++ }

func TestStopAllCascades(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{Name: "parent", Steps: []config.StepDef{dummy("a", 1)}})
	require.NoError(t, err)
	child, err := pipeline.New(config.Pipeline{Name: "child", Steps: []config.StepDef{dummy("b", 1)}},
		pipeline.WithParent(p))
	require.NoError(t, err)

	p.StopAll()
	p.StopAll()
	assert.True(t, child.Stopped())
	assert.True(t, child.Step("b")[0].State.IsStopped())

	late := &stopper{}
	p.Adopt(late)
	assert.Equal(t, 1, late.n, "adopted after stop")
}

func TestExecutorLinearChain(t *testing.T) {
	const n = 250
	p, err := pipeline.New(config.Pipeline{
		Name:  "coop",
		Steps: []config.StepDef{intGenerator("gen", n), dummy("mid", 1), dummy("sink", 1)},
		Hops:  []config.Hop{{From: "gen", To: "mid"}, {From: "mid", To: "sink"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)
	defer ex.Dispose()

	ticks := ex.Drain()
	assert.Positive(t, ticks)
	assert.True(t, ex.Finished())
	assert.Equal(t, int64(n), p.Progress()["sink"].Read)
	assert.False(t, ex.Tick(), "no work after completion")
	assert.Zero(t, ex.Errors())
}

func TestExecutorOrderIsTopological(t *testing.T) {
	// defined sink first: the executor still runs the generator first, so a
	// single tick moves a row all the way through
	p, err := pipeline.New(config.Pipeline{
		Name:  "order",
		Steps: []config.StepDef{dummy("sink", 1), dummy("mid", 1), intGenerator("gen", 3)},
		Hops:  []config.Hop{{From: "mid", To: "sink"}, {From: "gen", To: "mid"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)
	defer ex.Dispose()

	require.True(t, ex.Tick())
	assert.Equal(t, int64(1), p.Progress()["sink"].Read)
}

func TestExecutorCountsErrorsWithoutStopping(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{
		Name:  "coop-bad",
		Steps: []config.StepDef{stringRows("gen", "1", "x", "2"), toInteger("conv", config.ErrorHandling{}), dummy("sink", 1)},
		Hops:  []config.Hop{{From: "gen", To: "conv"}, {From: "conv", To: "sink"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)

	err = ex.Run(context.Background())
	var re *pipeline.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(1), re.Errors)
	assert.True(t, step.IsConversion(ex.LastError()))
	assert.Equal(t, int64(2), p.Progress()["sink"].Read)
	assert.False(t, p.Stopped())

	ex.ClearError()
	assert.Zero(t, ex.Errors())
	assert.NoError(t, ex.LastError())
}

func TestExecutorProducerChain(t *testing.T) {
	const n = 40
	p, err := pipeline.New(config.Pipeline{
		Name:  "coop-inject",
		Steps: []config.StepDef{{Name: "in", Kind: "injector"}, dummy("mid", 1), dummy("sink", 1)},
		Hops:  []config.Hop{{From: "in", To: "mid"}, {From: "mid", To: "sink"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)
	defer ex.Dispose()
	prod, err := ex.Producer("in")
	require.NoError(t, err)

	sch := row.NewSchema(row.Field{Name: "id", Type: row.TypeInteger})
	for i := 0; i < n; i++ {
		require.True(t, prod.PutRow(sch, row.Row{int64(i)}))
	}
	prod.Finish()
	ex.Drain()

	assert.Equal(t, int64(n), p.Progress()["sink"].Read)
	assert.True(t, ex.Finished())
	assert.False(t, ex.Tick())
}

func TestExecutorKeepsFailingStepScheduled(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{
		Name: "coop-fail",
		Steps: []config.StepDef{
			stringRows("gen", "a", "bad", "b"),
			{Name: "check", Kind: "fail-on", Options: config.Options{"bad": "bad"}},
			dummy("sink", 1),
		},
		Hops: []config.Hop{{From: "gen", To: "check"}, {From: "check", To: "sink"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)
	defer ex.Dispose()

	ex.Drain()
	assert.Equal(t, int64(1), ex.Errors())
	assert.Equal(t, int64(2), p.Progress()["sink"].Read, "rows after the failing one still arrive")
	assert.True(t, ex.Finished())
	assert.NoError(t, ex.Failed())
}

func TestExecutorFinishesStuckStep(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{
		Name:  "coop-broken",
		Steps: []config.StepDef{stringRows("gen", "a"), {Name: "broken", Kind: "fail-now"}},
		Hops:  []config.Hop{{From: "gen", To: "broken"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)
	defer ex.Dispose()

	ex.Drain()
	assert.Equal(t, int64(1), ex.Errors())
	assert.Equal(t, step.StatusErrored, p.Step("broken")[0].State.Status())

	ex.ClearError()
	assert.Zero(t, ex.Errors())
	assert.Error(t, ex.Failed(), "a finished copy stays failed")
}

func TestExecutorRunHonoursContext(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{
		Name:  "coop-cancel",
		Steps: []config.StepDef{intGenerator("gen", 100), dummy("sink", 1)},
		Hops:  []config.Hop{{From: "gen", To: "sink"}},
	})
	require.NoError(t, err)
	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ex.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, p.Stopped())
}

func TestExecutorRejects(t *testing.T) {
	for name, def := range map[string]config.Pipeline{
		"dedicated step": {
			Name:  "join",
			Steps: []config.StepDef{intGenerator("a", 1), intGenerator("b", 1), {Name: "j", Kind: "join"}},
			Hops:  []config.Hop{{From: "a", To: "j"}, {From: "b", To: "j"}},
		},
		"cycle": {
			Name:  "loop",
			Steps: []config.StepDef{dummy("a", 1), dummy("b", 1)},
			Hops:  []config.Hop{{From: "a", To: "b"}, {From: "b", To: "a"}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			p, err := pipeline.New(def)
			require.NoError(t, err)
			_, err = pipeline.NewExecutor(p)
			var ce *step.ConfigurationError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestProducerNeedsWiring(t *testing.T) {
	p, err := pipeline.New(config.Pipeline{Name: "raw", Steps: []config.StepDef{{Name: "in", Kind: "injector"}}})
	require.NoError(t, err)
	_, err = p.Producer("in")
	assert.Error(t, err)

	ex, err := pipeline.NewExecutor(p)
	require.NoError(t, err)
	defer ex.Dispose()
	_, err = ex.Producer("missing")
	assert.Error(t, err)
}

func TestBatchGateUnderSupervisor(t *testing.T) {
	sub := config.Pipeline{
		Name:  "sub",
		Steps: []config.StepDef{{Name: "in", Kind: "injector"}, toInteger("conv", config.ErrorHandling{}), dummy("out", 1)},
		Hops:  []config.Hop{{From: "in", To: "conv"}, {From: "conv", To: "out"}},
	}
	vals := make([]string, 25)
	for i := range vals {
		vals[i] = "7"
	}
	def := config.Pipeline{
		Name: "outer",
		Steps: []config.StepDef{
			stringRows("gen", vals...),
			{Name: "gate", Kind: "batchgate", Options: config.Options{
				"reference":     map[string]any{"name": "sub"},
				"injector_step": "in",
				"retrieve_step": "out",
				"batch_size":    10,
			}},
			dummy("sink", 1),
		},
		Hops: []config.Hop{{From: "gen", To: "gate"}, {From: "gate", To: "sink"}},
	}
	s := newSupervisor(t, def, pipeline.WithResolver(config.MapResolver{"sub": sub}))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(25), s.Pipeline().Progress()["sink"].Read)
}
