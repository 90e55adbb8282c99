package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal produces canonical JSON for hashing and checkpoint storage.
// This is the ONLY serialization that may feed content-addressed identity.
//
// Properties:
//  1. Object keys sorted by UTF-16 code units (RFC 8785)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Exactly one encoding per number: integers as decimal digits,
//     floats as the shortest round-trip 'g' form
//  5. NaN and infinities are rejected with an error
func Marshal(v any) ([]byte, error) {
	cv, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	return marshalValue(cv)
}

func marshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null:
		return []byte("null"), nil
	case String:
		return marshalString(string(val))
	case Int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case Float:
		return marshalFloat(float64(val))
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case Array:
		return marshalArray(val)
	case Object:
		return marshalObject(val)
	default:
		return nil, fmt.Errorf("unsupported canonical value type: %T", v)
	}
}

// marshalFloat encodes a finite float in its shortest round-trip form.
// FromAny already rejected non-finite values and folded integral floats
// in int64 range to Int; whole floats at or beyond 2^63 stay Float and
// encode with their shortest digit form.
func marshalFloat(f float64) ([]byte, error) {
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// marshalString produces a canonical JSON string with NFC normalization.
// RFC 8785 rules: no HTML escaping, U+2028/U+2029 are NOT escaped, only
// control characters (U+0000-U+001F), backslash, and quote are escaped.
func marshalString(s string) ([]byte, error) {
	// NFC normalize at the serialization boundary
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder adds a trailing newline, remove it
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}

	// Go's encoder escapes U+2028/U+2029 for JavaScript compatibility;
	// RFC 8785 requires them literal. Must not touch \\u2028 (escaped
	// backslash followed by the text "u2028").
	result = unescapeLineSeparators(result)

	return result, nil
}

// unescapeLineSeparators converts   and   escape sequences to
// literal characters, preserving sequences preceded by an odd run of
// backslashes (those are escaped backslash + literal text).
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	var result []byte
	i := 0
	for i < len(data) {
		if i+6 <= len(data) && data[i] == '\\' && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {

			// Count backslashes immediately preceding this escape in the
			// output built so far. Even count (including 0) means the
			// escape itself is live and should be unescaped.
			backslashes := 0
			if result == nil {
				for j := i - 1; j >= 0 && data[j] == '\\'; j-- {
					backslashes++
				}
			} else {
				for j := len(result) - 1; j >= 0 && result[j] == '\\'; j-- {
					backslashes++
				}
			}

			if backslashes%2 == 0 {
				if result == nil {
					result = make([]byte, 0, len(data))
					result = append(result, data[:i]...)
				}
				if data[i+5] == '8' {
					result = append(result, " "...)
				} else {
					result = append(result, " "...)
				}
				i += 6
				continue
			}
		}

		if result != nil {
			result = append(result, data[i])
		}
		i++
	}

	if result == nil {
		return data
	}
	return result
}

func marshalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := marshalValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	keys := obj.SortedKeys()
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := marshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
