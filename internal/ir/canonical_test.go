package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"max int64", IRInt(9223372036854775807), "9223372036854775807"},
		{"float", IRFloat(1.5), "1.5"},
		{"integral float", IRFloat(2), "2"},
		{"small float", IRFloat(1e-7), "1e-7"},
		{"large float", IRFloat(1e21), "1e+21"},
		{"bool true", IRBool(true), "true"},
		{"null", IRNull{}, "null"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"ref marker", IRRef{ID: "t/1"}, `{"ref":"t/1"}`},
		{"channel marker", IRChannel{ID: "t/2"}, `{"channel":"t/2"}`},
		{"transfer marker", IRTransfer{}, `{"transfer":true}`},
		{"html not escaped", IRString("<a&b>"), `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := IRObject{
		"z": IRObject{
			"b": IRInt(1),
			"a": IRInt(2),
		},
		"a": IRInt(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 sorts after U+10000 in UTF-16 code units but before it in UTF-8.
	obj := IRObject{
		"\ue000":     IRInt(1),
		"\U00010000": IRInt(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\ue000\":1}", string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical(IRString("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(result))

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = MarshalCanonical(IRString(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9
	result, err := MarshalCanonical(IRString("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": posInf()})
	require.Error(t, err)
}

func TestMarshalCanonicalOperation(t *testing.T) {
	op := Operation{
		Kind:     KindWrite,
		Target:   "t/1",
		Property: "value",
		Value:    IRString("x"),
	}

	result, err := MarshalCanonical(op)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"write","property":"value","target":"t/1","value":"x"}`, string(result))
}

func TestMarshalCanonicalWriteOfNull(t *testing.T) {
	op := Operation{Kind: KindWrite, Target: RootID, Property: "gone", Value: IRNull{}}

	result, err := MarshalCanonical(op)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"write","property":"gone","target":"root","value":null}`, string(result))
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}
