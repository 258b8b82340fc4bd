// Package csvinput implements the "csvinput" step: a source that streams a
// delimited text file and emits one string row per record.
//
// Options:
//
//	file:            path of the file to read (required)
//	delimiter:       field separator (default ",")
//	has_header:      first record names the fields (default true)
//	header_map:      {source header: field name}
//	ascii_headers:   strip accents and punctuation from header names
//	expected_fields: field count when there is no header
//	trim_space:      trim values (default true)
//	lazy_quotes:     tolerate stray quotes
//	encoding:        IANA charset of the file (default UTF-8)
//	scrub:           [{pattern, replacement}] byte rewrites applied before parsing
//
// Empty values become nulls. Records that fail to parse or have the wrong
// field count are skipped and logged; typing is left to a convert step.
package csvinput

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"rowflow/internal/row"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "csvinput"

// maxLoggedSkips bounds the per-record warnings; later skips are only counted.
const maxLoggedSkips = 100

const utf8BOM = "\uFEFF"

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type scrubDef struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

type CSVInput struct {
	step.Defaults

	file   *os.File
	cr     *csv.Reader
	schema *row.Schema
	trim   bool

	// pending holds the first record when the layout was taken from it.
	pending []string
	line    int
	skipped int64
}

func New(step.Config) (step.Step, error) { return &CSVInput{}, nil }

func (c *CSVInput) Init(cfg step.Config, st *step.State) error {
	path := cfg.Options.String("file", "")
	if path == "" {
		return step.Configf(cfg.Name, "file is required")
	}
	expected, err := cfg.Options.ParseInt("expected_fields", 0)
	if err != nil {
		return step.Configf(cfg.Name, "%v", err)
	}
	var scrubs []scrubDef
	if _, err := cfg.Options.Decode("scrub", &scrubs); err != nil {
		return step.Configf(cfg.Name, "scrub: %v", err)
	}
	var decode transform.Transformer
	if name := cfg.Options.String("encoding", ""); name != "" {
		enc, err := ianaindex.IANA.Encoding(name)
		if err != nil {
			return step.Configf(cfg.Name, "encoding %q: %v", name, err)
		}
		if enc == nil {
			return step.Configf(cfg.Name, "encoding %q is not supported", name)
		}
		decode = enc.NewDecoder()
	}

	f, err := os.Open(path)
	if err != nil {
		return &step.ResourceError{Step: cfg.Name, Op: "open " + path, Err: err}
	}
	c.file = f
	adviseSequential(f)

	var r io.Reader = f
	if decode != nil {
		r = transform.NewReader(r, decode)
	}
	for _, s := range scrubs {
		r = newRewriter(r, []byte(s.Pattern), []byte(s.Replacement))
	}

	c.cr = csv.NewReader(r)
	c.cr.Comma = cfg.Options.Rune("delimiter", ',')
	c.cr.LazyQuotes = cfg.Options.Bool("lazy_quotes", false)
	// width is checked against the layout after each read
	c.cr.FieldsPerRecord = -1
	c.cr.ReuseRecord = true
	c.trim = cfg.Options.Bool("trim_space", true)

	var names []string
	switch {
	case cfg.Options.Bool("has_header", true):
		h, err := c.cr.Read()
		if err != nil {
			return &step.ResourceError{Step: cfg.Name, Op: "read header of " + path, Err: err}
		}
		c.line = 1
		names = normalizeHeaders(h, cfg.Options.StringMap("header_map"), cfg.Options.Bool("ascii_headers", false))
	case expected > 0:
		names = columnNames(expected)
	default:
		rec, err := c.cr.Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return &step.ResourceError{Step: cfg.Name, Op: "read " + path, Err: err}
		}
		c.line = 1
		c.pending = append([]string(nil), rec...)
		names = columnNames(len(rec))
	}

	c.schema = row.NewSchema()
	for _, n := range names {
		c.schema.AddField(row.Field{Name: n, Type: row.TypeString, Origin: cfg.Name})
	}
	level.Debug(st.Logger()).Log("msg", "reading csv", "file", path, "fields", c.schema.Len())
	return nil
}

func (c *CSVInput) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	var rec []string
	if c.pending != nil {
		rec, c.pending = c.pending, nil
	} else {
		var err error
		rec, err = c.cr.Read()
		if errors.Is(err, io.EOF) {
			c.finish(st)
			return false, nil
		}
		c.line++
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			c.skip(st, err)
			return true, nil
		}
		if err != nil {
			return false, &step.ResourceError{Step: cfg.Name, Op: "read " + c.file.Name(), Err: err}
		}
	}
	if len(rec) == 0 {
		c.finish(st)
		return false, nil
	}
	if len(rec) != c.schema.Len() {
		c.skip(st, fmt.Errorf("incorrect number of fields: expected %d, got %d", c.schema.Len(), len(rec)))
		return true, nil
	}

	r := make(row.Row, len(rec))
	for i, v := range rec {
		if c.trim {
			v = strings.TrimSpace(v)
		}
		if v != "" {
			r[i] = v
		}
	}
	if !st.PutRow(c.schema, r) {
		return false, nil
	}
	return true, nil
}

func (c *CSVInput) Dispose(cfg step.Config, st *step.State) {
	if c.file == nil {
		return
	}
	if err := c.file.Close(); err != nil {
		level.Warn(st.Logger()).Log("msg", "close csv file", "err", err)
	}
	c.file = nil
}

// Schema returns the output layout. It is nil before Init.
func (c *CSVInput) Schema() *row.Schema { return c.schema }

// Skipped returns the number of records dropped as malformed.
func (c *CSVInput) Skipped() int64 { return c.skipped }

func (c *CSVInput) skip(st *step.State, err error) {
	c.skipped++
	if c.skipped <= maxLoggedSkips {
		level.Warn(st.Logger()).Log("msg", "skipping record", "line", c.line, "err", err)
	}
}

func (c *CSVInput) finish(st *step.State) {
	level.Info(st.Logger()).Log("msg", "csv read", "lines", humanize.Comma(int64(c.line)), "skipped", humanize.Comma(c.skipped))
}

func columnNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("col_%d", i)
	}
	return names
}

// normalizeHeaders maps header cells to field names: header_map first, then
// lowercase with spaces turned into underscores. The first cell loses a
// UTF-8 BOM.
func normalizeHeaders(h []string, mapping map[string]string, ascii bool) []string {
	res := make([]string, len(h))
	for i, col := range h {
		c := strings.TrimSpace(col)
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		if m, ok := mapping[c]; ok {
			res[i] = m
			continue
		}
		if ascii {
			res[i] = asciiName(c)
			continue
		}
		res[i] = strings.ReplaceAll(strings.ToLower(c), " ", "_")
	}
	return res
}

// asciiName turns arbitrary header text into a lowercase [a-z0-9_]
// identifier: accents are stripped, runs of space, dash, dot and underscore
// collapse into one underscore, anything else is dropped.
func asciiName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, _ := transform.String(t, strings.ToLower(s))

	var b strings.Builder
	under := false
	for _, r := range plain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			under = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "col"
	}
	return out
}
