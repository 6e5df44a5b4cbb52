package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"zero", Int(0), "0"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"min int64", Int(-9223372036854775808), "-9223372036854775808"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
		{"plain go string", "hi", `"hi"`},
		{"plain go int", 7, "7"},
		{"plain go bool", true, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	tests := []struct {
		name     string
		input    Object
		expected string
	}{
		{
			"ascii keys sorted",
			Object{"b": Int(2), "a": Int(1), "c": Int(3)},
			`{"a":1,"b":2,"c":3}`,
		},
		{
			"nested objects sorted",
			Object{"z": Object{"y": Int(1), "x": Int(2)}, "a": Int(0)},
			`{"a":0,"z":{"x":2,"y":1}}`,
		},
		{
			// UTF-16 code unit order: "é" (e-acute, one unit 0x00E9)
			// sorts before a surrogate pair like an emoji (0xD83D...).
			"non-ascii before surrogate pairs",
			Object{"\U0001F600": Int(2), "é": Int(1)},
			"{\"é\":1,\"\U0001F600\":2}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalRejectsFloatsAndNulls(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"float64", 3.14},
		{"float32", float32(1.5)},
		{"nil", nil},
		{"float in map", map[string]any{"x": 0.5}},
		{"nil in slice", []any{nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestMarshalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"quote", `say "hi"`, `"say \"hi\""`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline", "a\nb", `"a\nb"`},
		{"html not escaped", "<&>", `"<&>"`},
		{"line separator literal", "a b", "\"a b\""},
		{"paragraph separator literal", "a b", "\"a b\""},
		{"escaped backslash u2028 stays escaped", `a\u2028b`, `"a\\u2028b"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestFromAnyWholeFloats(t *testing.T) {
	// JSON decoding yields float64 for all numbers; whole values convert.
	v, err := FromAny(float64(7))
	require.NoError(t, err)
	assert.Equal(t, Int(7), v)

	_, err = FromAny(float64(7.5))
	assert.Error(t, err)
}

func TestFromJSONRoundTrip(t *testing.T) {
	input := []byte(`{"b":[1,2,{"x":true}],"a":"s"}`)
	v, err := FromJSON(input)
	require.NoError(t, err)

	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"s","b":[1,2,{"x":true}]}`, string(out))
}

func TestObjectUnmarshalJSON(t *testing.T) {
	var obj Object
	require.NoError(t, obj.UnmarshalJSON([]byte(`{"k":"v","n":3}`)))
	assert.Equal(t, Object{"k": String("v"), "n": Int(3)}, obj)

	assert.Error(t, obj.UnmarshalJSON([]byte(`[1]`)))
	assert.Error(t, obj.UnmarshalJSON([]byte(`{"x":1.5}`)))
}

func TestHashDeterminismAndDomainSeparation(t *testing.T) {
	a := Object{"k": String("v"), "n": Int(1)}
	b := Object{"n": Int(1), "k": String("v")}

	ha := MustHash(DomainCoValue, a)
	hb := MustHash(DomainCoValue, b)
	assert.Equal(t, ha, hb, "key order must not affect the hash")
	assert.Len(t, ha, 64)

	other := MustHash(DomainAgent, a)
	assert.NotEqual(t, ha, other, "different domains must hash differently")

	// The null separator keeps domain/data boundaries unambiguous.
	assert.NotEqual(t, HashBytes("ab", []byte("c")), HashBytes("a", []byte("bc")))
}
