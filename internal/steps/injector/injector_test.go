package injector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

func TestSingleCopyOnly(t *testing.T) {
	_, err := New(step.Config{Name: "in", Copies: 2})
	var ce *step.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestForwardsInjectedRows(t *testing.T) {
	sch := row.NewSchema(row.Field{Name: "n", Type: row.TypeInteger})
	cfg := step.Config{Name: "in", Kind: Kind, Copies: 1}
	st := step.NewState(step.StateConfig{Step: cfg})
	feed := rowset.NewQueue("in-producer", "in")
	out := rowset.NewQueue("in", "next")
	st.AddInput(feed)
	st.AddOutput(out)
	st.SetStop(nil, false)

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(cfg, st))

	feed.Put(sch, row.Row{int64(1)})
	feed.Put(sch, row.Row{int64(2)})
	feed.SetDone()
	n := 0
	for {
		more, err := s.ProcessRow(cfg, st)
		require.NoError(t, err)
		if !more {
			break
		}
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, out.Len())
}
