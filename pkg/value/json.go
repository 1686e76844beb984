package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// FromJSON converts a JSON document into a Value. Integral numbers become Int
// when they fit in int64 and Float otherwise; objects become Map and arrays
// become List.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("invalid JSON value: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("invalid JSON value: trailing data")
	}
	return fromAny(raw, 0)
}

func fromAny(raw interface{}, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("%w: JSON nesting deeper than %d", ErrTooDeep, MaxDepth)
	}
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid JSON number %q: %w", x, err)
		}
		return Float(f), nil
	case string:
		return String(x), nil
	case []interface{}:
		items := make([]Value, 0, len(x))
		for _, e := range x {
			item, err := fromAny(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			item, err := fromAny(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			m[k] = item
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON type %T", raw)
	}
}

// MarshalJSON renders v as JSON. Non-finite floats cannot be represented and
// produce an error.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toAny())
}

func (v Value) toAny() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return jsonFloat(v.f)
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.toAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.toAny()
		}
		return out
	default:
		return nil
	}
}

// jsonFloat keeps integral floats recognisable as floats, so 1.0 renders as
// "1.0" and parses back as Float rather than Int. Non-finite values are left
// for json.Marshal to reject.
func jsonFloat(f float64) interface{} {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return f
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return json.Number(s)
}
