package row

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Conversion error codes attached to error rows.
const (
	CodeInvalidValue = "CONV_INVALID"
	CodeOverflow     = "CONV_OVERFLOW"
	CodeUnsupported  = "CONV_UNSUPPORTED"
)

// DefaultDateLayout is used when a Date field carries no Format.
const DefaultDateLayout = "2006/01/02 15:04:05.000"

var errNotIntegral = errors.New("value is not integral")

// ConversionError reports a value that could not be adapted to its target
// field's type.
type ConversionError struct {
	Field string
	Type  Type
	Value any
	Code  string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("field %q: cannot convert %v (%T) to %s: %v", e.Field, e.Value, e.Value, e.Type, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Convert adapts v to the field's type. Empty strings become NULL for every
// non-string type.
func (f Field) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out  any
		err  error
		code = CodeInvalidValue
	)
	switch f.Type {
	case TypeNone:
		// untyped fields still have to survive a spill
		if !encodable(v) {
			return nil, &ConversionError{Field: f.Name, Type: f.Type, Value: v, Code: CodeUnsupported, Err: ErrUnsupportedValue}
		}
		return v, nil
	case TypeString:
		out, err = toString(v, f.Format)
	case TypeInteger:
		out, err = toInteger(v)
		if errors.Is(err, strconv.ErrRange) {
			code = CodeOverflow
		}
	case TypeNumber:
		out, err = toNumber(v)
	case TypeBoolean:
		out, err = toBoolean(v)
	case TypeDate:
		out, err = toDate(v, f.Format)
	case TypeBinary:
		out, err = toBinary(v)
	default:
		err = fmt.Errorf("unsupported type %s", f.Type)
		code = CodeUnsupported
	}
	if err != nil {
		return nil, &ConversionError{Field: f.Name, Type: f.Type, Value: v, Code: code, Err: err}
	}
	return out, nil
}

func toString(v any, layout string) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		if layout == "" {
			layout = DefaultDateLayout
		}
		return x.Format(layout), nil
	case []byte:
		return string(x), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func toInteger(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%v: %w", x, strconv.ErrRange)
		}
		return int64(math.Round(x)), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return x.UnixMilli(), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		return toIntFast(s)
	default:
		return nil, fmt.Errorf("unsupported source type %T", v)
	}
}

// toIntFast parses integers quickly and only falls back to float parsing when
// the field contains a '.' (supporting inputs like "42.0").
func toIntFast(s string) (int64, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return i, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, err
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			if f == float64(int64(f)) {
				return int64(f), nil
			}
			return 0, errNotIntegral
		}
	}
	return 0, err
}

func toNumber(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		return strconv.ParseFloat(s, 64)
	default:
		return nil, fmt.Errorf("unsupported source type %T", v)
	}
}

func toBoolean(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		b, ok := toBoolFast(s)
		if !ok {
			return nil, fmt.Errorf("not a boolean: %q", s)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported source type %T", v)
	}
}

// toBoolFast resolves the default boolean vocabulary, including the Czech
// "ano"/"ne" spellings found in public registry exports.
func toBoolFast(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "t", "true", "yes", "y", "ano":
		return true, true
	case "0", "f", "false", "no", "n", "ne":
		return false, true
	default:
		return false, false
	}
}

func toDate(v any, layout string) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		return parseDate(s, layout)
	default:
		return nil, fmt.Errorf("unsupported source type %T", v)
	}
}

func parseDate(s, layout string) (time.Time, error) {
	if layout != "" {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if layout != "02.01.2006" {
			return time.Time{}, err
		}
	}
	if t, ok := parseCZDate(s); ok {
		return t, nil
	}
	for _, l := range []string{"2006-01-02", time.RFC3339, DefaultDateLayout} {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseCZDate implements a zero-allocation parser for "02.01.2006" (DD.MM.YYYY).
func parseCZDate(s string) (time.Time, bool) {
	if len(s) != 10 || s[2] != '.' || s[5] != '.' {
		return time.Time{}, false
	}
	d1, d0 := s[0]-'0', s[1]-'0'
	m1, m0 := s[3]-'0', s[4]-'0'
	y3, y2, y1, y0 := s[6]-'0', s[7]-'0', s[8]-'0', s[9]-'0'
	if d1 > 9 || d0 > 9 || m1 > 9 || m0 > 9 || y3 > 9 || y2 > 9 || y1 > 9 || y0 > 9 {
		return time.Time{}, false
	}
	day := int(d1)*10 + int(d0)
	mon := int(m1)*10 + int(m0)
	year := int(y3)*1000 + int(y2)*100 + int(y1)*10 + int(y0)
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC), true
}

func toBinary(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("unsupported source type %T", v)
	}
}
