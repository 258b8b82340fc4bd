package row

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Value tags of the row codec.
const (
	tagNull byte = iota
	tagString
	tagInt
	tagFloat
	tagBool
	tagTime
	tagBytes
)

var errShortRow = errors.New("row codec: truncated input")

// ErrUnsupportedValue is wrapped by errors for values the codec cannot store.
var ErrUnsupportedValue = errors.New("unsupported value type")

// CheckRow reports the first value of r that EncodeRow would reject.
func CheckRow(r Row) error {
	for i, v := range r {
		if !encodable(v) {
			return fmt.Errorf("row codec: value %d: %w %T", i, ErrUnsupportedValue, v)
		}
	}
	return nil
}

func encodable(v any) bool {
	switch v.(type) {
	case nil, string, int64, int, float64, bool, time.Time, []byte:
		return true
	}
	return false
}

// EncodeRow appends the self-describing encoding of r to dst. Each value is
// written as a tag byte followed by its payload, so rows can be decoded
// without a schema.
func EncodeRow(dst []byte, r Row) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(r)))
	for i, v := range r {
		switch x := v.(type) {
		case nil:
			dst = append(dst, tagNull)
		case string:
			dst = append(dst, tagString)
			dst = binary.AppendUvarint(dst, uint64(len(x)))
			dst = append(dst, x...)
		case int64:
			dst = append(dst, tagInt)
			dst = binary.AppendVarint(dst, x)
		case int:
			dst = append(dst, tagInt)
			dst = binary.AppendVarint(dst, int64(x))
		case float64:
			dst = append(dst, tagFloat)
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(x))
		case bool:
			dst = append(dst, tagBool)
			if x {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}
		case time.Time:
			b, err := x.MarshalBinary()
			if err != nil {
				return dst, fmt.Errorf("row codec: value %d: %w", i, err)
			}
			dst = append(dst, tagTime)
			dst = binary.AppendUvarint(dst, uint64(len(b)))
			dst = append(dst, b...)
		case []byte:
			dst = append(dst, tagBytes)
			dst = binary.AppendUvarint(dst, uint64(len(x)))
			dst = append(dst, x...)
		default:
			return dst, fmt.Errorf("row codec: value %d: %w %T", i, ErrUnsupportedValue, v)
		}
	}
	return dst, nil
}

// DecodeRow decodes one row produced by EncodeRow.
func DecodeRow(b []byte) (Row, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, errShortRow
	}
	b = b[k:]
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("row codec: value count %d exceeds input", n)
	}
	r := make(Row, n)
	for i := range r {
		if len(b) == 0 {
			return nil, errShortRow
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagNull:
		case tagString, tagBytes, tagTime:
			l, k := binary.Uvarint(b)
			if k <= 0 || l > uint64(len(b)-k) {
				return nil, errShortRow
			}
			payload := b[k : k+int(l)]
			b = b[k+int(l):]
			switch tag {
			case tagString:
				r[i] = string(payload)
			case tagBytes:
				cp := make([]byte, len(payload))
				copy(cp, payload)
				r[i] = cp
			default:
				var t time.Time
				if err := t.UnmarshalBinary(payload); err != nil {
					return nil, fmt.Errorf("row codec: value %d: %w", i, err)
				}
				r[i] = t
			}
		case tagInt:
			v, k := binary.Varint(b)
			if k <= 0 {
				return nil, errShortRow
			}
			r[i] = v
			b = b[k:]
		case tagFloat:
			if len(b) < 8 {
				return nil, errShortRow
			}
			r[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
			b = b[8:]
		case tagBool:
			if len(b) < 1 {
				return nil, errShortRow
			}
			r[i] = b[0] == 1
			b = b[1:]
		default:
			return nil, fmt.Errorf("row codec: value %d: unknown tag %d", i, tag)
		}
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("row codec: %d trailing bytes", len(b))
	}
	return r, nil
}
