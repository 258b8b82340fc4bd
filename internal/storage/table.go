package storage

import (
	"fmt"
	"strings"

	"rowflow/internal/row"
)

// ColumnDef describes one column of a table to create. Type is the logical
// row type; each backend maps it to its own SQL type.
type ColumnDef struct {
	Name      string
	Type      row.Type
	Length    int
	Precision int
	Nullable  bool
}

// TableDef holds the table name (possibly "schema.table") and its ordered
// columns.
type TableDef struct {
	FQN     string
	Columns []ColumnDef
}

// TableFromSchema builds a TableDef for the named fields of s, in the given
// order. An empty names list takes every field. All columns are nullable.
func TableFromSchema(table string, s *row.Schema, names []string) (TableDef, error) {
	if len(names) == 0 {
		names = s.Names()
	}
	td := TableDef{FQN: table, Columns: make([]ColumnDef, 0, len(names))}
	for _, n := range names {
		i := s.IndexOf(n)
		if i < 0 {
			return TableDef{}, fmt.Errorf("column %q not found in %s", n, s)
		}
		f, _ := s.Field(i)
		td.Columns = append(td.Columns, ColumnDef{
			Name:      f.Name,
			Type:      f.Type,
			Length:    f.Length,
			Precision: f.Precision,
			Nullable:  true,
		})
	}
	return td, nil
}

// RenderCreate is the shared CREATE TABLE layout. quote quotes one identifier
// segment and sqlType maps a column to its dialect type.
func RenderCreate(t TableDef, ifNotExists bool, quote func(string) string, sqlType func(ColumnDef) string) (string, error) {
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("ddl: table name must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: table %s needs at least one column", fqn)
	}

	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("ddl: column with empty name in table %s", fqn)
		}
		def := quote(c.Name) + " " + sqlType(c)
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	parts := strings.Split(fqn, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	head := "CREATE TABLE "
	if ifNotExists {
		head += "IF NOT EXISTS "
	}
	return fmt.Sprintf("%s%s (\n  %s\n);", head, strings.Join(parts, "."), strings.Join(cols, ",\n  ")), nil
}

// QuoteDouble quotes an identifier with double quotes, doubling embedded ones.
func QuoteDouble(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }
