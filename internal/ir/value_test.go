package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	var _ IRValue = IRNull{}
	var _ IRValue = IRString("test")
	var _ IRValue = IRInt(42)
	var _ IRValue = IRFloat(4.2)
	var _ IRValue = IRBool(true)
	var _ IRValue = IRArray{IRString("a"), IRInt(1)}
	var _ IRValue = IRObject{"key": IRString("value")}
	var _ IRValue = IRRef{ID: "x"}
	var _ IRValue = IRChannel{ID: "x"}
	var _ IRValue = IRTransfer{}
	var _ IRValue = IROpaque{ID: "x"}
}

func TestIRObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := IRObject{
		"a":  IRInt(1),
		"A":  IRInt(2),
		"aa": IRInt(3),
		"aA": IRInt(4),
		"Aa": IRInt(5),
		"AA": IRInt(6),
	}

	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestUnmarshalIRValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  IRValue
	}{
		{"string", `"hi"`, IRString("hi")},
		{"int", `7`, IRInt(7)},
		{"large int keeps precision", `9007199254740993`, IRInt(9007199254740993)},
		{"float", `2.5`, IRFloat(2.5)},
		{"exponent is float", `1e3`, IRFloat(1000)},
		{"null", `null`, IRNull{}},
		{"ref", `{"ref":"a/1"}`, IRRef{ID: "a/1"}},
		{"channel", `{"channel":"a/2"}`, IRChannel{ID: "a/2"}},
		{"transfer", `{"transfer":true}`, IRTransfer{}},
		{"opaque", `{"opaque":"b/9"}`, IROpaque{ID: "b/9"}},
		{"transfer false is a plain object", `{"transfer":false}`, IRObject{"transfer": IRBool(false)}},
		{"ref with sibling is a plain object", `{"ref":"a","x":1}`, IRObject{"ref": IRString("a"), "x": IRInt(1)}},
		{"nested marker", `[1,{"ref":"a/1"}]`, IRArray{IRInt(1), IRRef{ID: "a/1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalIRValue([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperationJSONRoundTrip(t *testing.T) {
	op := Operation{
		Kind:     KindInvoke,
		Target:   "t/2",
		Args:     IRArray{IRString("div"), IRRef{ID: "t/1"}, IRChannel{ID: "t/3"}, IRTransfer{}},
		Receiver: "t/1",
		Result:   "t/4",
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)

	var got Operation
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, op.Kind, got.Kind)
	assert.Equal(t, op.Target, got.Target)
	assert.Equal(t, op.Receiver, got.Receiver)
	assert.Equal(t, op.Result, got.Result)
	assert.Equal(t, []IRValue(op.Args), got.Args)
}

func TestOperationJSONWriteDefaultsToNull(t *testing.T) {
	var got Operation
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"write","target":"root","property":"x"}`), &got))
	assert.Equal(t, IRNull{}, got.Value)
}

func TestFromGo(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  IRValue
	}{
		{"nil", nil, IRNull{}},
		{"int", 3, IRInt(3)},
		{"uint16", uint16(9), IRInt(9)},
		{"float32", float32(0.5), IRFloat(0.5)},
		{"typed slice", []string{"a", "b"}, IRArray{IRString("a"), IRString("b")}},
		{"typed map", map[string]int{"n": 1}, IRObject{"n": IRInt(1)}},
		{"nested any", map[string]any{"xs": []any{true, nil}}, IRObject{"xs": IRArray{IRBool(true), IRNull{}}}},
		{"named string", namedString("k"), IRString("k")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGo(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type namedString string

func TestFromGoNotSerializable(t *testing.T) {
	_, err := FromGo(struct{ A int }{1})
	require.ErrorIs(t, err, ErrNotSerializable)

	_, err = FromGo(func() {})
	require.ErrorIs(t, err, ErrNotSerializable)

	_, err = FromGo(map[int]string{1: "a"})
	require.ErrorIs(t, err, ErrNotSerializable)
}

func TestToGo(t *testing.T) {
	v := IRObject{
		"s":   IRString("x"),
		"n":   IRInt(2),
		"arr": IRArray{IRBool(false), IRNull{}},
		"ref": IRRef{ID: "r"},
	}

	got := ToGo(v).(map[string]any)
	assert.Equal(t, "x", got["s"])
	assert.Equal(t, int64(2), got["n"])
	assert.Equal(t, []any{false, nil}, got["arr"])
	assert.Equal(t, IRRef{ID: "r"}, got["ref"], "markers are left for the caller to resolve")
}

func TestFromPlainCBORMaps(t *testing.T) {
	got, err := FromPlain(map[any]any{"ref": "c/1"})
	require.NoError(t, err)
	assert.Equal(t, IRRef{ID: "c/1"}, got)

	_, err = FromPlain(map[any]any{1: "x"})
	require.Error(t, err)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindRead.Valid())
	assert.True(t, KindInstantiate.Valid())
	assert.False(t, Kind("delete").Valid())
	assert.False(t, KindWrite.ProducesResult())
	assert.True(t, KindInvoke.ProducesResult())
}
