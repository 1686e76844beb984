package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxDepth bounds the nesting of lists and maps accepted by Decode.
const MaxDepth = 64

const floatSize = 8

var (
	// ErrMalformed is returned by Decode for input that is not a valid encoding.
	ErrMalformed = errors.New("malformed value encoding")

	// ErrTooDeep is returned by Validate for values nested deeper than MaxDepth.
	ErrTooDeep = errors.New("value nested too deeply")
)

// Validate reports whether v can be encoded and decoded back. Lists and maps
// may nest at most MaxDepth levels, the same bound Decode enforces.
func (v Value) Validate() error {
	if !v.withinDepth(0) {
		return fmt.Errorf("%w: nesting deeper than %d", ErrTooDeep, MaxDepth)
	}
	return nil
}

func (v Value) withinDepth(depth int) bool {
	if depth > MaxDepth {
		return false
	}
	switch v.kind {
	case KindList:
		for _, item := range v.list {
			if !item.withinDepth(depth + 1) {
				return false
			}
		}
	case KindMap:
		for _, item := range v.m {
			if !item.withinDepth(depth + 1) {
				return false
			}
		}
	}
	return true
}

// Encode returns the binary encoding of v.
//
// Format: one kind byte followed by
//   - Null: nothing
//   - Bool: one byte (0 or 1)
//   - Int: zigzag varint
//   - Float: 8 bytes, IEEE-754 bits, big-endian
//   - String: uvarint length + bytes
//   - List: uvarint count + encoded items
//   - Map: uvarint count + (uvarint key length + key + encoded value), keys sorted
func (v Value) Encode() []byte {
	return v.AppendEncode(nil)
}

// AppendEncode appends the binary encoding of v to buf.
func (v Value) AppendEncode(buf []byte) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindBool:
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindInt:
		buf = binary.AppendVarint(buf, v.i)
	case KindFloat:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
	case KindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.s)))
		buf = append(buf, v.s...)
	case KindList:
		buf = binary.AppendUvarint(buf, uint64(len(v.list)))
		for _, item := range v.list {
			buf = item.AppendEncode(buf)
		}
	case KindMap:
		buf = binary.AppendUvarint(buf, uint64(len(v.m)))
		for _, k := range sortedKeys(v.m) {
			buf = binary.AppendUvarint(buf, uint64(len(k)))
			buf = append(buf, k...)
			buf = v.m[k].AppendEncode(buf)
		}
	}
	return buf
}

// Decode parses a complete encoded Value. Trailing bytes are an error.
func Decode(data []byte) (Value, error) {
	v, n, err := decode(data, 0)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-n)
	}
	return v, nil
}

func decode(data []byte, depth int) (Value, int, error) {
	if depth > MaxDepth {
		return Value{}, 0, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, MaxDepth)
	}
	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	kind := Kind(data[0])
	off := 1

	switch kind {
	case KindNull:
		return Null(), off, nil
	case KindBool:
		if len(data) < off+1 {
			return Value{}, 0, fmt.Errorf("%w: truncated bool", ErrMalformed)
		}
		switch data[off] {
		case 0:
			return Bool(false), off + 1, nil
		case 1:
			return Bool(true), off + 1, nil
		default:
			return Value{}, 0, fmt.Errorf("%w: invalid bool byte %d", ErrMalformed, data[off])
		}
	case KindInt:
		i, n := binary.Varint(data[off:])
		if n <= 0 {
			return Value{}, 0, fmt.Errorf("%w: invalid int", ErrMalformed)
		}
		return Int(i), off + n, nil
	case KindFloat:
		if len(data) < off+floatSize {
			return Value{}, 0, fmt.Errorf("%w: truncated float", ErrMalformed)
		}
		bits := binary.BigEndian.Uint64(data[off:])
		return Float(math.Float64frombits(bits)), off + floatSize, nil
	case KindString:
		s, n, err := decodeString(data[off:])
		if err != nil {
			return Value{}, 0, err
		}
		return String(s), off + n, nil
	case KindList:
		count, n, err := decodeCount(data[off:])
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		items := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			item, n, err := decode(data[off:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			off += n
		}
		return Value{kind: KindList, list: items}, off, nil
	case KindMap:
		count, n, err := decodeCount(data[off:])
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		m := make(map[string]Value, count)
		for i := 0; i < count; i++ {
			k, n, err := decodeString(data[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += n
			if _, dup := m[k]; dup {
				return Value{}, 0, fmt.Errorf("%w: duplicate map key %q", ErrMalformed, k)
			}
			item, n, err := decode(data[off:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			m[k] = item
			off += n
		}
		return Value{kind: KindMap, m: m}, off, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown kind %d", ErrMalformed, data[0])
	}
}

func decodeString(data []byte) (string, int, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 {
		return "", 0, fmt.Errorf("%w: invalid string length", ErrMalformed)
	}
	if l > uint64(len(data)-n) {
		return "", 0, fmt.Errorf("%w: string truncated", ErrMalformed)
	}
	end := n + int(l)
	return string(data[n:end]), end, nil
}

// decodeCount reads an element count. Every element takes at least one byte,
// so a count larger than the remaining input is rejected before allocating.
func decodeCount(data []byte) (int, int, error) {
	c, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid element count", ErrMalformed)
	}
	if c > uint64(len(data)-n) {
		return 0, 0, fmt.Errorf("%w: element count %d exceeds input", ErrMalformed, c)
	}
	return int(c), n, nil
}
