// Package condition evaluates boolean conditions against rows.
//
// A Condition is either a leaf comparing one field with a constant or with a
// second field, or a group combining children with AND/OR. Compile binds
// field names to positions once per schema so Evaluate does no lookups.
package condition

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/regexp"

	"rowflow/internal/row"
)

// Operators.
const (
	OpEqual      = "="
	OpNotEqual   = "<>"
	OpLess       = "<"
	OpLessEq     = "<="
	OpGreater    = ">"
	OpGreaterEq  = ">="
	OpIsNull     = "IS NULL"
	OpIsNotNull  = "IS NOT NULL"
	OpContains   = "CONTAINS"
	OpStartsWith = "STARTS WITH"
	OpEndsWith   = "ENDS WITH"
	OpRegex      = "REGEX"
	OpInList     = "IN LIST"
)

// Condition is the declarative form, as found in step options.
type Condition struct {
	Field       string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op          string      `json:"op,omitempty" yaml:"op,omitempty"`
	Value       any         `json:"value,omitempty" yaml:"value,omitempty"`
	RightField  string      `json:"right_field,omitempty" yaml:"right_field,omitempty"`
	Negate      bool        `json:"negate,omitempty" yaml:"negate,omitempty"`
	Conjunction string      `json:"conjunction,omitempty" yaml:"conjunction,omitempty"`
	Children    []Condition `json:"children,omitempty" yaml:"children,omitempty"`
}

// IsEmpty reports whether c has neither a field nor children. An empty
// condition is always true.
func (c Condition) IsEmpty() bool { return c.Field == "" && len(c.Children) == 0 }

// Compiled is a condition bound to one schema.
type Compiled struct {
	negate bool
	or     bool
	kids   []*Compiled

	op    string
	left  int
	right int // -1 when comparing with a constant
	value any
	list  []any
	re    *regexp.Regexp
	leaf  bool
}

// Compile binds c to s.
func (c Condition) Compile(s *row.Schema) (*Compiled, error) {
	out := &Compiled{negate: c.Negate, right: -1}

	if len(c.Children) > 0 {
		switch strings.ToUpper(strings.TrimSpace(c.Conjunction)) {
		case "", "AND":
		case "OR":
			out.or = true
		default:
			return nil, fmt.Errorf("condition: unknown conjunction %q", c.Conjunction)
		}
		for i, ch := range c.Children {
			k, err := ch.Compile(s)
			if err != nil {
				return nil, fmt.Errorf("children[%d]: %w", i, err)
			}
			out.kids = append(out.kids, k)
		}
		return out, nil
	}
	if c.Field == "" {
		return out, nil
	}

	out.leaf = true
	out.op = strings.ToUpper(strings.Join(strings.Fields(c.Op), " "))
	if out.op == "" {
		out.op = OpEqual
	}
	out.left = s.IndexOf(c.Field)
	if out.left < 0 {
		return nil, fmt.Errorf("condition: field %q not found", c.Field)
	}
	lf, _ := s.Field(out.left)

	switch out.op {
	case OpIsNull, OpIsNotNull:
		return out, nil
	case OpRegex:
		pat, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("condition: REGEX on %q needs a string pattern", c.Field)
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		out.re = re
		return out, nil
	case OpInList:
		items, err := listValues(c.Value)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			v, err := lf.Convert(it)
			if err != nil {
				return nil, fmt.Errorf("condition: list value for %q: %w", c.Field, err)
			}
			out.list = append(out.list, v)
		}
		return out, nil
	case OpEqual, OpNotEqual, OpLess, OpLessEq, OpGreater, OpGreaterEq,
		OpContains, OpStartsWith, OpEndsWith:
	default:
		return nil, fmt.Errorf("condition: unknown operator %q", c.Op)
	}

	if c.RightField != "" {
		out.right = s.IndexOf(c.RightField)
		if out.right < 0 {
			return nil, fmt.Errorf("condition: field %q not found", c.RightField)
		}
		return out, nil
	}
	switch out.op {
	case OpContains, OpStartsWith, OpEndsWith:
		out.value = fmt.Sprint(c.Value)
	default:
		v, err := lf.Convert(c.Value)
		if err != nil {
			return nil, fmt.Errorf("condition: value for %q: %w", c.Field, err)
		}
		out.value = v
	}
	return out, nil
}

func listValues(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case string:
		var out []any
		for _, s := range strings.Split(t, ";") {
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("condition: IN LIST needs a list or a ';' separated string, got %T", v)
	}
}

// Evaluate reports whether r satisfies the condition.
func (c *Compiled) Evaluate(r row.Row) bool {
	if c == nil {
		return true
	}
	res := c.eval(r)
	if c.negate {
		return !res
	}
	return res
}

func (c *Compiled) eval(r row.Row) bool {
	if !c.leaf {
		if len(c.kids) == 0 {
			return true
		}
		for _, k := range c.kids {
			v := k.Evaluate(r)
			if c.or && v {
				return true
			}
			if !c.or && !v {
				return false
			}
		}
		return !c.or
	}

	left := at(r, c.left)
	switch c.op {
	case OpIsNull:
		return left == nil
	case OpIsNotNull:
		return left != nil
	}
	if left == nil {
		return false
	}

	right := c.value
	if c.right >= 0 {
		right = at(r, c.right)
	}

	switch c.op {
	case OpRegex:
		return c.re.MatchString(fmt.Sprint(left))
	case OpInList:
		for _, v := range c.list {
			if n, ok := Compare(left, v); ok && n == 0 {
				return true
			}
		}
		return false
	case OpContains:
		return right != nil && strings.Contains(fmt.Sprint(left), fmt.Sprint(right))
	case OpStartsWith:
		return right != nil && strings.HasPrefix(fmt.Sprint(left), fmt.Sprint(right))
	case OpEndsWith:
		return right != nil && strings.HasSuffix(fmt.Sprint(left), fmt.Sprint(right))
	}

	if right == nil {
		return c.op == OpNotEqual
	}
	n, ok := Compare(left, right)
	if !ok {
		return c.op == OpNotEqual
	}
	switch c.op {
	case OpEqual:
		return n == 0
	case OpNotEqual:
		return n != 0
	case OpLess:
		return n < 0
	case OpLessEq:
		return n <= 0
	case OpGreater:
		return n > 0
	case OpGreaterEq:
		return n >= 0
	}
	return false
}

func at(r row.Row, i int) any {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

// Compare orders two non-nil values. Integers and floats compare
// numerically with each other; other kinds only compare with their own
// kind. ok is false when the values are not comparable.
func Compare(a, b any) (n int, ok bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return cmp.Compare(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return cmp.Compare(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), true
		}
	}
	return 0, false
}
