package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.addEvent(TraceEvent{Type: EventOp, Kind: "read", Target: "root", Property: "doc", Result: "t/1"})
	r.addEvent(TraceEvent{Type: EventOp, Kind: "write", Target: "t/1", Property: "n", Value: int64(1)})
	r.addEvent(TraceEvent{Type: EventOp, Kind: "invoke", Target: "t/1", Result: "t/2", Error: "HOST_ERROR"})
	r.addEvent(TraceEvent{Type: EventCallback, Callback: "done"})
	r.addEvent(TraceEvent{Type: EventOp, Kind: "write", Target: "t/1", Property: "n", Value: int64(2)})
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Kind: "read", Prop: "doc"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Kind: "invoke", Code: "HOST_ERROR"}))

	err := assertTraceContains(trace, Assertion{Kind: "instantiate"})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "[3] invoke on t/1 ! HOST_ERROR")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{"read doc", "invoke", "callback done"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{"write n", "write n"}}))

	err := assertTraceOrder(trace, Assertion{Ops: []string{"callback done", "read doc"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"read doc" not found`)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Kind: "write", Prop: "n", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Kind: "instantiate", Count: 0}))

	err := assertTraceCount(trace, Assertion{Kind: "write", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: 2 time(s)")
}

func TestAssertFinalState(t *testing.T) {
	state := map[string]any{
		"doc": map[string]any{
			"n":    int64(2),
			"tags": []any{"a", "b"},
			"buf":  ir.NewBuffer([]byte("hi")),
			"fn":   func() {},
		},
	}

	assert.NoError(t, assertFinalState(state, nil, Assertion{Path: "doc.n", Expect: 2}))
	assert.NoError(t, assertFinalState(state, nil, Assertion{Path: "doc.tags.1", Expect: "b"}))
	assert.NoError(t, assertFinalState(state, nil, Assertion{Path: "doc.tags", Expect: []any{"a", "b"}}))
	assert.NoError(t, assertFinalState(state, nil, Assertion{Path: "doc.buf", Expect: "hi"}))
	assert.NoError(t, assertFinalState(state, nil, Assertion{Path: "doc.fn", Expect: "<func()>"}))

	err := assertFinalState(state, nil, Assertion{Path: "doc.missing", Expect: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not found")

	err = assertFinalState(state, nil, Assertion{Path: "doc.n", Expect: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doc.n = 2")
}

func TestAssertErrorCode(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertErrorCode(trace, Assertion{Seq: 3, Code: "HOST_ERROR"}))
	assert.NoError(t, assertErrorCode(trace, Assertion{Seq: 1}))

	err := assertErrorCode(trace, Assertion{Seq: 1, Code: "HOST_ERROR"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: success")

	err = assertErrorCode(trace, Assertion{Seq: 9})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace has 5 events")
}

func TestAssertCallbackCount(t *testing.T) {
	calls := map[string]int{"done": 1}

	assert.NoError(t, assertCallbackCount(calls, nil, Assertion{Callback: "done", Count: 1}))
	assert.NoError(t, assertCallbackCount(calls, nil, Assertion{Callback: "never", Count: 0}))
	assert.Error(t, assertCallbackCount(calls, nil, Assertion{Callback: "done", Count: 2}))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.State = map[string]any{}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Kind: "read", Count: 1},
		{Type: AssertFinalState, Path: "x"},
		{Type: AssertCallbackCount, Callback: "done", Count: 2},
	}, map[string]int{"done": 1})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertion 1 (final_state)")
	assert.Contains(t, errs[1], "assertion 2 (callback_count)")
}
