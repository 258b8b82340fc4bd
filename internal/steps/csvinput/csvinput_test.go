package csvinput

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/config"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func run(t *testing.T, opts config.Options) (*CSVInput, []row.Row) {
	t.Helper()
	cfg := step.Config{Name: "csv", Kind: Kind, Copies: 1, Options: opts}
	st := step.NewState(step.StateConfig{Step: cfg})
	out := rowset.NewQueue("csv", "sink")
	st.AddOutput(out)
	st.SetStop(nil, false)

	s, err := New(cfg)
	require.NoError(t, err)
	c := s.(*CSVInput)
	require.NoError(t, c.Init(cfg, st))
	defer c.Dispose(cfg, st)
	for {
		more, err := c.ProcessRow(cfg, st)
		require.NoError(t, err)
		if !more {
			break
		}
	}

	var got []row.Row
	for {
		it, res := out.TryGet()
		if res != rowset.OK {
			return c, got
		}
		got = append(got, it.Row)
	}
}

func TestHeaderAndRows(t *testing.T) {
	path := writeFile(t, "\uFEFFId, Full Name ,City\n1, Ann ,Brno\n2,Bob,\n")
	c, got := run(t, config.Options{"file": path})

	assert.Equal(t, []string{"id", "full_name", "city"}, c.Schema().Names())
	assert.Equal(t, []row.Row{{"1", "Ann", "Brno"}, {"2", "Bob", nil}}, got)
	assert.Zero(t, c.Skipped())
}

func TestWrongWidthIsSkipped(t *testing.T) {
	path := writeFile(t, "a,b\n1,2\n3\n4,5,6\n7,8\n")
	c, got := run(t, config.Options{"file": path})

	assert.Equal(t, []row.Row{{"1", "2"}, {"7", "8"}}, got)
	assert.Equal(t, int64(2), c.Skipped())
}

func TestNoHeader(t *testing.T) {
	path := writeFile(t, "x;y;z\n1;2;3\n")
	c, got := run(t, config.Options{"file": path, "has_header": false, "delimiter": ";"})

	assert.Equal(t, []string{"col_0", "col_1", "col_2"}, c.Schema().Names())
	assert.Equal(t, []row.Row{{"x", "y", "z"}, {"1", "2", "3"}}, got)
}

func TestExpectedFields(t *testing.T) {
	path := writeFile(t, "1,2\n3\n")
	c, got := run(t, config.Options{"file": path, "has_header": false, "expected_fields": 2})

	assert.Equal(t, []row.Row{{"1", "2"}}, got)
	assert.Equal(t, int64(1), c.Skipped())
}

func TestHeaderMapAndASCII(t *testing.T) {
	path := writeFile(t, "Název firmy,IČO,Stav\nA,1,x\n")
	c, _ := run(t, config.Options{
		"file":          path,
		"ascii_headers": true,
		"header_map":    map[string]any{"Stav": "state"},
	})
	assert.Equal(t, []string{"nazev_firmy", "ico", "state"}, c.Schema().Names())
}

func TestEncodingAndScrub(t *testing.T) {
	// "Plzeň" in windows-1250
	path := writeFile(t, "city,note\nPlze\xf2,\"v likvidaci\"\"\n")
	_, got := run(t, config.Options{
		"file":     path,
		"encoding": "windows-1250",
		"scrub":    []any{map[string]any{"pattern": `"v likvidaci""`, "replacement": `"(v likvidaci)"`}},
	})
	assert.Equal(t, []row.Row{{"Plzeň", "(v likvidaci)"}}, got)
}

func TestInitErrors(t *testing.T) {
	for name, opts := range map[string]config.Options{
		"no file":      {},
		"bad encoding": {"file": "x.csv", "encoding": "no-such-charset"},
		"text width":   {"file": "x.csv", "expected_fields": "two"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := step.Config{Name: "csv", Options: opts}
			err := (&CSVInput{}).Init(cfg, step.NewState(step.StateConfig{Step: cfg}))
			var ce *step.ConfigurationError
			assert.ErrorAs(t, err, &ce)
		})
	}

	cfg := step.Config{Name: "csv", Options: config.Options{"file": filepath.Join(t.TempDir(), "missing.csv")}}
	err := (&CSVInput{}).Init(cfg, step.NewState(step.StateConfig{Step: cfg}))
	var re *step.ResourceError
	assert.ErrorAs(t, err, &re)
}

func TestRewriterAcrossReads(t *testing.T) {
	src := strings.Repeat("ab-XYZ-", 5000)
	r := newRewriter(iotest.OneByteReader(strings.NewReader(src)), []byte("XYZ"), []byte("q"))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ab-q-", 5000), string(got))

	got, err = io.ReadAll(newRewriter(bytes.NewReader(nil), []byte("XYZ"), []byte("q")))
	require.NoError(t, err)
	assert.Empty(t, got)
}
