package bytecode

import (
	"fmt"
	"math"
	"sort"
)

// Value is a parameter or result value. The set of implementations is
// closed: String, Integer, Float, Boolean, Bytes, Array and Map.
type Value interface {
	TypeName() string
	native() any
}

type (
	String  string
	Integer int64
	Float   float64
	Boolean bool
	Bytes   []byte
	Array   []Value
	Map     map[string]Value
)

func (String) TypeName() string  { return "string" }
func (Integer) TypeName() string { return "integer" }
func (Float) TypeName() string   { return "float" }
func (Boolean) TypeName() string { return "boolean" }
func (Bytes) TypeName() string   { return "bytes" }
func (Array) TypeName() string   { return "array" }
func (Map) TypeName() string     { return "map" }

func (v String) native() any  { return string(v) }
func (v Integer) native() any { return int64(v) }
func (v Float) native() any   { return float64(v) }
func (v Boolean) native() any { return bool(v) }
func (v Bytes) native() any   { return []byte(v) }

func (v Array) native() any {
	out := make([]any, len(v))
	for i, e := range v {
		out[i] = e.native()
	}
	return out
}

func (v Map) native() any {
	out := make(map[string]any, len(v))
	for k, e := range v {
		out[k] = e.native()
	}
	return out
}

// Keys returns the map keys in sorted order.
func (v Map) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Native converts v to plain Go values for encoding: string, int64,
// float64, bool, []byte, []any and map[string]any. A nil Value is nil.
func Native(v Value) any {
	if v == nil {
		return nil
	}
	return v.native()
}

// FromNative converts decoded CBOR or JSON data back into a Value.
func FromNative(x any) (Value, error) {
	switch x := x.(type) {
	case string:
		return String(x), nil
	case bool:
		return Boolean(x), nil
	case []byte:
		return Bytes(x), nil
	case int64:
		return Integer(x), nil
	case int:
		return Integer(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("bytecode: integer %d out of range", x)
		}
		return Integer(x), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(x), nil
	case []any:
		out := make(Array, len(x))
		for i, e := range x {
			v, err := FromNative(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(x))
		for k, e := range x {
			v, err := FromNative(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("bytecode: null is not a value")
	default:
		return nil, fmt.Errorf("bytecode: unsupported value type %T", x)
	}
}
