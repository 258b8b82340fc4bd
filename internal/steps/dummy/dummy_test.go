package dummy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

func TestPassThrough(t *testing.T) {
	sch := row.NewSchema(row.Field{Name: "s", Type: row.TypeString})
	cfg := step.Config{Name: "d", Kind: Kind, Copies: 1}
	st := step.NewState(step.StateConfig{Step: cfg})
	in := rowset.NewQueue("src", "d")
	out := rowset.NewQueue("d", "sink")
	st.AddInput(in)
	st.AddOutput(out)
	st.SetStop(nil, false)
	d := &Dummy{}
	require.NoError(t, d.Init(cfg, st))

	more, err := d.ProcessRow(cfg, st)
	require.NoError(t, err)
	assert.True(t, more, "empty input is not the end")

	in.Put(sch, row.Row{"a"})
	in.SetDone()
	more, _ = d.ProcessRow(cfg, st)
	assert.True(t, more)
	more, _ = d.ProcessRow(cfg, st)
	assert.False(t, more)

	it, res := out.TryGet()
	require.Equal(t, rowset.OK, res)
	assert.Equal(t, row.Row{"a"}, it.Row)
	assert.Equal(t, step.Counters{Read: 1, Written: 1}, st.Progress())
}
