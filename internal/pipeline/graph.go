package pipeline

import (
	"rowflow/internal/config"
	"rowflow/internal/row"
	"rowflow/internal/rowset"
	"rowflow/internal/step"
)

// RowProducer feeds rows into a step from outside the pipeline.
type RowProducer struct {
	set rowset.RowSet
}

// PutRow queues a row. It returns false once the pipeline is stopping or
// Finish was called.
func (rp *RowProducer) PutRow(s *row.Schema, r row.Row) bool { return rp.set.Put(s, r) }

// Finish signals that no more rows will be put.
func (rp *RowProducer) Finish() { rp.set.SetDone() }

// Pending returns the number of rows not yet read by the step.
func (rp *RowProducer) Pending() int { return rp.set.Len() }

// wire connects the copies of every hop with row sets from newSet and hands
// each copy the stop channel. It may only run once.
func (p *Pipeline) wire(newSet func(producer, consumer string, to *step.State) rowset.RowSet, blocking bool) error {
	if p.wired {
		return step.Configf("", "pipeline %q is already wired", p.def.Name)
	}
	for _, h := range p.def.Hops {
		if err := p.wireHop(h, newSet); err != nil {
			return err
		}
	}
	for _, in := range p.instances {
		in.State.SetStop(p.stopCh, blocking)
	}
	p.newSet = newSet
	p.blocking = blocking
	p.wired = true
	return nil
}

// wireHop pairs producer and consumer copies: equal counts go 1:1, a single
// copy on either side fans out or in, anything else is rejected.
func (p *Pipeline) wireHop(h config.Hop, newSet func(producer, consumer string, to *step.State) rowset.RowSet) error {
	from, to := p.byStep[h.From], p.byStep[h.To]
	if len(from) == 0 || len(to) == 0 {
		return step.Configf(h.From, "hop %s -> %s references an unknown step", h.From, h.To)
	}

	type pair struct{ f, t *Instance }
	var pairs []pair
	switch n, m := len(from), len(to); {
	case n == m:
		for i := range from {
			pairs = append(pairs, pair{from[i], to[i]})
		}
	case n == 1:
		for _, t := range to {
			pairs = append(pairs, pair{from[0], t})
		}
	case m == 1:
		for _, f := range from {
			pairs = append(pairs, pair{f, to[0]})
		}
	default:
		return step.Configf(h.From, "cannot connect %d copies to %d copies of %s", n, m, h.To)
	}

	if h.Error && len(from) < len(to) {
		return step.Configf(h.From, "error hop to %s cannot fan out to %d copies", h.To, len(to))
	}
	for _, pr := range pairs {
		rs := newSet(h.From, h.To, pr.t.State)
		if h.Error {
			pr.f.State.SetErrorOutput(rs)
		} else {
			pr.f.State.AddOutput(rs)
		}
		pr.t.State.AddInput(rs)
	}
	return nil
}

// topoOrder returns step names so that every step follows its producers.
// Ties are broken by definition order. A cycle is a ConfigurationError.
func (p *Pipeline) topoOrder() ([]string, error) {
	indeg := make(map[string]int, len(p.def.Steps))
	next := make(map[string][]string, len(p.def.Steps))
	for _, s := range p.def.Steps {
		indeg[s.Name] = 0
	}
	for _, h := range p.def.Hops {
		next[h.From] = append(next[h.From], h.To)
		indeg[h.To]++
	}

	order := make([]string, 0, len(p.def.Steps))
	placed := make(map[string]bool, len(p.def.Steps))
	for len(order) < len(p.def.Steps) {
		progressed := false
		for _, s := range p.def.Steps {
			if placed[s.Name] || indeg[s.Name] > 0 {
				continue
			}
			placed[s.Name] = true
			order = append(order, s.Name)
			for _, t := range next[s.Name] {
				indeg[t]--
			}
			progressed = true
			break
		}
		if !progressed {
			var rest []string
			for _, s := range p.def.Steps {
				if !placed[s.Name] {
					rest = append(rest, s.Name)
				}
			}
			return nil, step.Configf("", "pipeline %q has a cycle through %v", p.def.Name, rest)
		}
	}
	return order, nil
}
