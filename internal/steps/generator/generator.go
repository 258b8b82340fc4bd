// Package generator implements the "generator" step: a source that emits a
// fixed number of constant rows, or an explicit list of rows.
//
// Options:
//
//	fields: [{name, type, value, format}]   output layout and constant values
//	limit:  rows to emit (default 1); ignored when rows is given
//	rows:   [[v1, v2, ...], ...]             explicit values, one list per row
package generator

import (
	"rowflow/internal/row"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "generator"

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type fieldDef struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Value     any    `json:"value"`
	Format    string `json:"format"`
	Length    int    `json:"length"`
	Precision int    `json:"precision"`
}

// Generator is the step implementation.
type Generator struct {
	step.Defaults

	schema *row.Schema
	rows   []row.Row
	limit  int64
	next   int64
}

func New(step.Config) (step.Step, error) { return &Generator{}, nil }

func (g *Generator) Init(cfg step.Config, st *step.State) error {
	var defs []fieldDef
	if _, err := cfg.Options.Decode("fields", &defs); err != nil {
		return step.Configf(cfg.Name, "fields: %v", err)
	}
	if len(defs) == 0 {
		return step.Configf(cfg.Name, "at least one field is required")
	}

	g.schema = row.NewSchema()
	constant := make(row.Row, 0, len(defs))
	for i, d := range defs {
		typ, err := row.ParseType(d.Type)
		if err != nil {
			return step.Configf(cfg.Name, "fields[%d]: %v", i, err)
		}
		f := row.Field{Name: d.Name, Type: typ, Format: d.Format, Length: d.Length, Precision: d.Precision, Origin: cfg.Name}
		v, err := f.Convert(d.Value)
		if err != nil {
			return step.Configf(cfg.Name, "fields[%d]: %v", i, err)
		}
		g.schema.AddField(f)
		constant = append(constant, v)
	}

	var explicit [][]any
	if _, err := cfg.Options.Decode("rows", &explicit); err != nil {
		return step.Configf(cfg.Name, "rows: %v", err)
	}
	if len(explicit) == 0 {
		g.rows = []row.Row{constant}
		n, err := cfg.Options.ParseInt("limit", 1)
		if err != nil {
			return step.Configf(cfg.Name, "%v", err)
		}
		g.limit = int64(n)
		if g.limit < 0 {
			return step.Configf(cfg.Name, "limit must be >= 0")
		}
		return nil
	}

	for i, vals := range explicit {
		if len(vals) != g.schema.Len() {
			return step.Configf(cfg.Name, "rows[%d]: %d values for %d fields", i, len(vals), g.schema.Len())
		}
		r := make(row.Row, len(vals))
		for j, v := range vals {
			f, _ := g.schema.Field(j)
			cv, err := f.Convert(v)
			if err != nil {
				return step.Configf(cfg.Name, "rows[%d]: %v", i, err)
			}
			r[j] = cv
		}
		g.rows = append(g.rows, r)
	}
	g.limit = int64(len(g.rows))
	return nil
}

func (g *Generator) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	if g.next >= g.limit {
		return false, nil
	}
	src := g.rows[int(g.next)%len(g.rows)]
	g.next++
	if !st.PutRow(g.schema, g.schema.CloneRow(src)) {
		return false, nil
	}
	return g.next < g.limit, nil
}

// Schema returns the output layout. It is nil before Init.
func (g *Generator) Schema() *row.Schema { return g.schema }
