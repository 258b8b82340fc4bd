package row

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// foldName returns the case-insensitive lookup key for a field name.
func foldName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] >= utf8.RuneSelf {
			return cases.Fold().String(name)
		}
	}
	return strings.ToLower(name)
}

// fieldCache holds derived lookup state. A nil positions map means the map
// must be rebuilt; a nil deepClone slice means it has not been computed yet,
// which is distinct from "computed, nothing to deep copy".
type fieldCache struct {
	positions map[string]int
	deepClone []int
}

func (c *fieldCache) invalidate() {
	c.positions = nil
	c.deepClone = nil
}

// copyCache returns an independent copy of c.
func (c *fieldCache) copyCache() fieldCache {
	var out fieldCache
	if c.positions != nil {
		out.positions = make(map[string]int, len(c.positions))
		for k, v := range c.positions {
			out.positions[k] = v
		}
	}
	if c.deepClone != nil {
		out.deepClone = make([]int, len(c.deepClone))
		copy(out.deepClone, c.deepClone)
	}
	return out
}

// Schema is an ordered list of uniquely named fields. It is safe for
// concurrent use; all mutation goes through its methods.
type Schema struct {
	mu     sync.RWMutex
	fields []Field
	cache  fieldCache
}

// NewSchema builds a schema by adding each field in order, renaming
// collisions the same way AddField does.
func NewSchema(fields ...Field) *Schema {
	s := &Schema{fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		s.addLocked(f)
	}
	return s
}

func (s *Schema) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fields)
}

// Field returns a copy of the field at index i.
func (s *Schema) Field(i int) (Field, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.fields) {
		return Field{}, false
	}
	return s.fields[i], true
}

// IndexOf returns the position of the named field, or -1 when the name is
// empty or absent.
func (s *Schema) IndexOf(name string) int {
	if name == "" {
		return -1
	}
	key := foldName(name)

	s.mu.RLock()
	if s.cache.positions != nil {
		i, ok := s.cache.positions[key]
		s.mu.RUnlock()
		if !ok {
			return -1
		}
		return i
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(key)
}

// Search returns the named field.
func (s *Schema) Search(name string) (Field, bool) {
	i := s.IndexOf(name)
	if i < 0 {
		return Field{}, false
	}
	return s.Field(i)
}

// AddField appends f. If its name collides with an existing field, f is
// renamed to the first free name_1, name_2, ... before insertion.
func (s *Schema) AddField(f Field) Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(f)
}

func (s *Schema) addLocked(f Field) Field {
	if f.Name != "" && s.indexLocked(foldName(f.Name)) >= 0 {
		f.Name = s.nextFreeName(f.Name, -1)
	}
	s.fields = append(s.fields, f)
	if s.cache.positions != nil && f.Name != "" {
		s.cache.positions[foldName(f.Name)] = len(s.fields) - 1
	}
	s.cache.deepClone = nil
	return f
}

// SetField replaces the field at index i with f. f always keeps its name;
// when another field already carries that name, the other field is renamed.
func (s *Schema) SetField(i int, f Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.fields) {
		return fmt.Errorf("set field %q: index %d out of range [0,%d)", f.Name, i, len(s.fields))
	}
	if f.Name != "" {
		if j := s.indexLocked(foldName(f.Name)); j >= 0 && j != i {
			s.fields[j].Name = s.nextFreeName(s.fields[j].Name, i)
		}
	}
	s.fields[i] = f
	s.cache.invalidate()
	return nil
}

// RemoveField deletes the named field.
func (s *Schema) RemoveField(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(foldName(name))
	if name == "" || i < 0 {
		return fmt.Errorf("remove field: %q not found", name)
	}
	s.removeLocked(i)
	return nil
}

// RemoveIndex deletes the field at index i.
func (s *Schema) RemoveIndex(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.fields) {
		return fmt.Errorf("remove field: index %d out of range [0,%d)", i, len(s.fields))
	}
	s.removeLocked(i)
	return nil
}

func (s *Schema) removeLocked(i int) {
	s.fields = append(s.fields[:i], s.fields[i+1:]...)
	s.cache.invalidate()
}

// MergeFrom appends every field of other using the AddField collision rule.
// A non-empty origin is stamped on the merged fields only.
func (s *Schema) MergeFrom(other *Schema, origin string) {
	if other == nil {
		return
	}
	incoming := other.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range incoming {
		if origin != "" {
			f.Origin = origin
		}
		s.addLocked(f)
	}
}

// Fields returns a read-only view over the current field list.
func (s *Schema) Fields() FieldList {
	return FieldList{fields: s.snapshot()}
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Clone returns an independent copy, including any computed cache state.
func (s *Schema) Clone() *Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &Schema{fields: make([]Field, len(s.fields))}
	copy(c.fields, s.fields)
	c.cache = s.cache.copyCache()
	return c
}

// CloneRow copies r. Values whose field type shares backing memory are
// copied deeply; everything else is copied by value.
func (s *Schema) CloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)

	for _, i := range s.deepCloneFields() {
		if i >= len(out) {
			break
		}
		if b, ok := out[i].([]byte); ok && b != nil {
			cp := make([]byte, len(b))
			copy(cp, b)
			out[i] = cp
		}
	}
	return out
}

// deepCloneFields returns the positions CloneRow must copy deeply. The list
// is computed once under the write lock; later calls only read it.
func (s *Schema) deepCloneFields() []int {
	s.mu.RLock()
	deep := s.cache.deepClone
	s.mu.RUnlock()
	if deep != nil {
		return deep
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.deepClone == nil {
		s.cache.deepClone = make([]int, 0)
		for i, f := range s.fields {
			if f.Type.needsDeepClone() {
				s.cache.deepClone = append(s.cache.deepClone, i)
			}
		}
	}
	return s.cache.deepClone
}

func (s *Schema) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (s *Schema) snapshot() []Field {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// indexLocked resolves a folded name, rebuilding positions if needed.
// Callers hold the write lock.
func (s *Schema) indexLocked(key string) int {
	if s.cache.positions == nil {
		s.cache.positions = make(map[string]int, len(s.fields))
		for i, f := range s.fields {
			if f.Name == "" {
				continue
			}
			k := foldName(f.Name)
			if _, dup := s.cache.positions[k]; !dup {
				s.cache.positions[k] = i
			}
		}
	}
	i, ok := s.cache.positions[key]
	if !ok {
		return -1
	}
	return i
}

// nextFreeName returns base_n for the smallest n >= 1 that no field uses.
// The field at index skip is ignored since it is about to be replaced.
func (s *Schema) nextFreeName(base string, skip int) string {
	taken := make(map[string]struct{}, len(s.fields))
	for i, f := range s.fields {
		if i != skip {
			taken[foldName(f.Name)] = struct{}{}
		}
	}
	for n := 1; ; n++ {
		name := base + "_" + strconv.Itoa(n)
		if _, ok := taken[foldName(name)]; !ok {
			return name
		}
	}
}

// FieldList is an immutable snapshot of a schema's fields. At returns copies,
// so nothing obtained from a FieldList can change the schema it came from.
type FieldList struct {
	fields []Field
}

func (l FieldList) Len() int { return len(l.fields) }

func (l FieldList) At(i int) Field { return l.fields[i] }

func (l FieldList) Names() []string {
	out := make([]string, len(l.fields))
	for i, f := range l.fields {
		out[i] = f.Name
	}
	return out
}
