package canon

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the canonical value types.
// Only Null, String, Int, Float, Bool, Array, and Object implement it.
// Floats are permitted (row data is numeric) but must be finite; the
// encoder rejects NaN and infinities.
type Value interface {
	canonValue() // Sealed - only these types implement it
}

// Null represents a JSON null value.
type Null struct{}

func (Null) canonValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String represents a string value.
type String string

func (String) canonValue() {}

// Int represents an integer value. Always int64.
type Int int64

func (Int) canonValue() {}

// Float represents a finite floating-point value.
// Encoding is the shortest round-trip decimal form; -0 folds to 0.
type Float float64

func (Float) canonValue() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) canonValue() {}

// Array represents an ordered sequence of Values.
type Array []Value

func (Array) canonValue() {}

// Object represents a map of string keys to Values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) canonValue() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs for non-BMP keys.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 compares strings by UTF-16 code units as required by
// RFC 8785. Must use unicode/utf16.Encode for correct surrogate handling.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := len(a16)
	if len(b16) < minLen {
		minLen = len(b16)
	}

	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// FromAny converts an arbitrary decoded value (from YAML, CUE, or plugin
// output) into a Value. Accepts Go scalars, json.Number, []any, and
// map[string]any. Non-finite floats are rejected.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", val)
		}
		return fromFloat(f)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = cv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = cv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical value: %T", v)
	}
}

// maxInt64PlusOne is 2^63, the smallest positive float64 outside int64
// range. math.MaxInt64 itself rounds up to this value as a float64, so
// an inclusive <= MaxInt64 guard would let 2^63 through and overflow
// the int64 conversion.
const maxInt64PlusOne = 9223372036854775808.0

// fromFloat validates finiteness and folds whole-valued floats that
// round-trip exactly through int64 into Int, so 60 and 60.0 hash the same.
func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float is forbidden in canonical values: %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < maxInt64PlusOne {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

// ObjectFromAnyMap converts a map[string]any into an Object.
// Convenience wrapper around FromAny for row payloads.
func ObjectFromAnyMap(m map[string]any) (Object, error) {
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	return obj, nil
}

// ToAny converts a Value back into plain Go types (map[string]any,
// []any, scalars). Used when handing payloads to external encoders.
func ToAny(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(Object, len(raw))
	for k, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("object key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(Array, len(raw))
	for i, v := range raw {
		val, err := unmarshalValue(v)
		if err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// unmarshalValue decodes a JSON value into the appropriate Value type.
// Integers are preferred over floats: a number without fractional part
// decodes as Int so round-trips through storage preserve hashes.
func unmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return Null{}, nil

	case '[':
		var arr Array
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil

	case '{':
		var obj Object
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", n)
		}
		return fromFloat(f)
	}
}

// UnmarshalValue deserializes JSON into a Value.
// Uses json.Number decoding so large integers do not lose precision
// through float64.
func UnmarshalValue(data []byte) (Value, error) {
	return unmarshalValue(trimSpace(data))
}

// trimSpace strips leading/trailing JSON whitespace without allocating.
func trimSpace(data []byte) []byte {
	start := 0
	for start < len(data) && isJSONSpace(data[start]) {
		start++
	}
	end := len(data)
	for end > start && isJSONSpace(data[end-1]) {
		end--
	}
	return data[start:end]
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
