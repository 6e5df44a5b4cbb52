// Package canonical implements RFC 8785 (JCS) canonical JSON plus
// domain-separated content hashing. Every content-derived identifier in
// weft (CoValue IDs, key IDs, agent IDs) and every signed byte sequence
// goes through this package, so two nodes holding the same logical value
// always hash and sign identical bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Value is a sealed union of the JSON types permitted in canonical
// content. There is deliberately no float variant: floats do not have a
// canonical cross-platform encoding and would break convergence.
type Value interface {
	canonicalValue()
}

// String is a canonical JSON string.
type String string

func (String) canonicalValue() {}

// Int is a canonical JSON integer. Always int64, never float64.
type Int int64

func (Int) canonicalValue() {}

// Bool is a canonical JSON boolean.
type Bool bool

func (Bool) canonicalValue() {}

// Array is an ordered sequence of canonical values.
type Array []Value

func (Array) canonicalValue() {}

// Object is a string-keyed map of canonical values.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) canonicalValue() {}

// SortedKeys returns the object's keys in RFC 8785 order, which sorts by
// UTF-16 code units. Go's sort.Strings compares UTF-8 bytes and produces
// a different order for strings containing supplementary-plane runes.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Marshal produces RFC 8785 canonical JSON for v. It accepts the Value
// union plus the plain Go equivalents (string, int, int64, bool, []any,
// map[string]any). Floats and nulls are rejected with an error.
func Marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("canonical: null is forbidden")
	case String:
		return marshalString(string(val))
	case string:
		return marshalString(val)
	case Int:
		return []byte(fmt.Sprintf("%d", int64(val))), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case Bool:
		return marshalBool(bool(val)), nil
	case bool:
		return marshalBool(val), nil
	case Array:
		return marshalArray(val)
	case Object:
		return marshalObject(val)
	case []any:
		arr, err := fromSlice(val)
		if err != nil {
			return nil, err
		}
		return marshalArray(arr)
	case map[string]any:
		obj, err := fromMap(val)
		if err != nil {
			return nil, err
		}
		return marshalObject(obj)
	case float32, float64:
		return nil, fmt.Errorf("canonical: floats are forbidden: %v", val)
	default:
		return nil, fmt.Errorf("canonical: unsupported type %T", v)
	}
}

func marshalBool(b bool) []byte {
	if b {
		return []byte("true")
	}
	return []byte("false")
}

// marshalString encodes a string per RFC 8785: NFC-normalized, no HTML
// escaping, and U+2028/U+2029 left unescaped. Only control characters,
// backslash and quote are escaped.
func marshalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	// json.Encoder escapes U+2028/U+2029 for JavaScript embedding; RFC 8785
	// wants the literal characters. Undo that, but leave \\u2028 (a literal
	// backslash followed by "u2028") alone.
	return unescapeLineSeps(out), nil
}

func unescapeLineSeps(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	var out []byte
	backslashes := 0
	for i := 0; i < len(data); {
		if data[i] == '\\' && i+5 < len(data) &&
			data[i+1] == 'u' && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') &&
			backslashes%2 == 0 {
			if out == nil {
				out = append(out, data[:i]...)
			}
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 6
			backslashes = 0
			continue
		}
		if data[i] == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		if out != nil {
			out = append(out, data[i])
		}
		i++
	}
	if out == nil {
		return data
	}
	return out
}

func marshalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := Marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := Marshal(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func fromSlice(vals []any) (Array, error) {
	arr := make(Array, len(vals))
	for i, v := range vals {
		cv, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		arr[i] = cv
	}
	return arr, nil
}

func fromMap(m map[string]any) (Object, error) {
	obj := make(Object, len(m))
	for k, v := range m {
		cv, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", k, err)
		}
		obj[k] = cv
	}
	return obj, nil
}

// FromAny converts a decoded-JSON Go value into the Value union.
// float64 values are accepted only when they are whole numbers that fit
// int64 losslessly, since encoding/json decodes every JSON number as
// float64.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("canonical: null is forbidden")
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case float64:
		i := int64(val)
		if float64(i) != val {
			return nil, fmt.Errorf("canonical: non-integer number %v", val)
		}
		return Int(i), nil
	case []any:
		return fromSlice(val)
	case map[string]any:
		return fromMap(val)
	default:
		return nil, fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// FromJSON decodes raw JSON into the Value union, rejecting floats and
// nulls anywhere in the document.
func FromJSON(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return FromAny(raw)
}

// UnmarshalJSON decodes a JSON object into the Value union, so Object
// fields embedded in wire structs round-trip through encoding/json.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := FromJSON(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("canonical: expected object, got %T", v)
	}
	*obj = o
	return nil
}
