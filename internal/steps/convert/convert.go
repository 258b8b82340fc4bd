// Package convert implements the "convert" step: select, rename and retype
// fields.
//
// Options:
//
//	fields: [{name, rename, type, format, length, precision}]
//	keep_unlisted: false   append fields not listed, unchanged
//
// A value that does not fit its new type is a row conversion error. With
// error handling enabled the row goes to the error hop; otherwise the step
// fails.
package convert

import (
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// Kind is the registered step kind.
const Kind = "convert"

func init() {
	step.Register(step.Registration{Kind: Kind, New: New})
}

type fieldDef struct {
	Name      string `json:"name"`
	Rename    string `json:"rename"`
	Type      string `json:"type"`
	Format    string `json:"format"`
	Length    int    `json:"length"`
	Precision int    `json:"precision"`
}

// plan maps one input schema to the output schema.
type plan struct {
	in      *row.Schema
	out     *row.Schema
	sources []int
	convert []bool
}

type Convert struct {
	step.Defaults

	defs []fieldDef
	keep bool
	plan *plan
}

func New(step.Config) (step.Step, error) { return &Convert{}, nil }

func (c *Convert) Init(cfg step.Config, st *step.State) error {
	if _, err := cfg.Options.Decode("fields", &c.defs); err != nil {
		return step.Configf(cfg.Name, "fields: %v", err)
	}
	if len(c.defs) == 0 {
		return step.Configf(cfg.Name, "at least one field is required")
	}
	for i, d := range c.defs {
		if d.Name == "" {
			return step.Configf(cfg.Name, "fields[%d]: name is required", i)
		}
		if _, err := row.ParseType(d.Type); err != nil {
			return step.Configf(cfg.Name, "fields[%d]: %v", i, err)
		}
	}
	c.keep = cfg.Options.Bool("keep_unlisted", false)
	return nil
}

func (c *Convert) ProcessRow(cfg step.Config, st *step.State) (bool, error) {
	it, res := st.GetRow()
	switch res {
	case rowset.OK:
	case rowset.Empty:
		return true, nil
	default:
		return false, nil
	}

	p, err := c.planFor(cfg, it.Schema)
	if err != nil {
		return false, err
	}

	out := make(row.Row, len(p.sources))
	for i, src := range p.sources {
		v := it.Row[src]
		if p.convert[i] {
			f, _ := p.out.Field(i)
			cv, err := f.Convert(v)
			if err != nil {
				if herr := st.HandleRowError(it.Schema, it.Row, err); herr != nil {
					return true, herr
				}
				return true, nil
			}
			v = cv
		}
		out[i] = v
	}
	return st.PutRow(p.out, out), nil
}

func (c *Convert) planFor(cfg step.Config, in *row.Schema) (*plan, error) {
	if c.plan != nil && c.plan.in == in {
		return c.plan, nil
	}
	p := &plan{in: in, out: row.NewSchema()}
	used := make(map[int]bool, len(c.defs))
	for _, d := range c.defs {
		idx := in.IndexOf(d.Name)
		if idx < 0 {
			return nil, step.Configf(cfg.Name, "field %q not found in input %s", d.Name, in)
		}
		used[idx] = true
		f, _ := in.Field(idx)
		if d.Rename != "" {
			f.Name = d.Rename
		}
		retype := false
		if d.Type != "" {
			typ, _ := row.ParseType(d.Type)
			retype = typ != f.Type || d.Format != ""
			f.Type = typ
		}
		if d.Format != "" {
			f.Format = d.Format
		}
		if d.Length > 0 {
			f.Length = d.Length
		}
		if d.Precision > 0 {
			f.Precision = d.Precision
		}
		f.Origin = cfg.Name
		p.out.AddField(f)
		p.sources = append(p.sources, idx)
		p.convert = append(p.convert, retype)
	}
	if c.keep {
		for i := 0; i < in.Len(); i++ {
			if used[i] {
				continue
			}
			f, _ := in.Field(i)
			p.out.AddField(f)
			p.sources = append(p.sources, i)
			p.convert = append(p.convert, false)
		}
	}
	c.plan = p
	return p, nil
}
