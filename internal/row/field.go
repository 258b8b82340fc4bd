// Package row defines the structural contract every row obeys: typed fields,
// the ordered uniquely-named Schema that groups them, and Row, a positional
// value slice aligned to a Schema.
//
// Field names are unique within a Schema, compared case-insensitively. Values
// are plain Go values whose dynamic type follows the field Type:
//
//	String  -> string
//	Integer -> int64
//	Number  -> float64
//	Boolean -> bool
//	Date    -> time.Time
//	Binary  -> []byte
//
// nil is the NULL value of every type.
package row

import (
	"fmt"
	"strings"
)

// Type tags the value kind carried by a Field.
type Type uint8

const (
	TypeNone Type = iota
	TypeString
	TypeInteger
	TypeNumber
	TypeBoolean
	TypeDate
	TypeBinary
)

var typeNames = [...]string{
	TypeNone:    "none",
	TypeString:  "string",
	TypeInteger: "integer",
	TypeNumber:  "number",
	TypeBoolean: "boolean",
	TypeDate:    "date",
	TypeBinary:  "binary",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// needsDeepClone reports whether values of this type share backing memory
// and must be copied when a row is cloned.
func (t Type) needsDeepClone() bool {
	return t == TypeBinary
}

// ParseType maps configuration type names onto a Type. It accepts the coarse
// kinds used by pipeline files as well as common SQL spellings.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "string", "text", "varchar":
		return TypeString, nil
	case "integer", "int", "bigint", "int8", "int4", "int2":
		return TypeInteger, nil
	case "number", "real", "float", "double", "numeric":
		return TypeNumber, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "date", "datetime", "timestamp", "timestamptz":
		return TypeDate, nil
	case "binary", "bytes", "blob":
		return TypeBinary, nil
	default:
		return TypeNone, fmt.Errorf("unknown field type %q", s)
	}
}

// Field describes one column of a Schema.
type Field struct {
	Name      string
	Type      Type
	Length    int
	Precision int
	// Origin is the name of the step that introduced the field.
	Origin string
	// Format is an optional conversion mask, e.g. a date layout.
	Format string
}

func (f Field) String() string {
	if f.Length > 0 {
		return fmt.Sprintf("%s %s(%d,%d)", f.Name, f.Type, f.Length, f.Precision)
	}
	return fmt.Sprintf("%s %s", f.Name, f.Type)
}

// Row is an ordered array of values positionally aligned to a Schema.
type Row []any

// Concat returns a new row holding the values of every row in order.
func Concat(rows ...Row) Row {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	out := make(Row, 0, n)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
