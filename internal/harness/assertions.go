package harness

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/roach88/mirage/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		line := fmt.Sprintf("  [%d] %s", event.Seq, event.Label())
		if event.Type == EventOp {
			line += " on " + event.Target
		}
		if event.Error != "" {
			line += " ! " + event.Error
		}
		fmt.Fprintln(&buf, line)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. calls holds the invocation count of each scenario callback.
func EvaluateAssertions(result *Result, assertions []Assertion, calls map[string]int) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result.State, result.Trace, a)
		case AssertErrorCode:
			err = assertErrorCode(result.Trace, a)
		case AssertCallbackCount:
			err = assertCallbackCount(calls, result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

// matches reports whether event is a replayed operation of the assertion's
// kind and, when given, property and error code.
func matches(event TraceEvent, a Assertion) bool {
	if event.Type != EventOp || event.Kind != a.Kind {
		return false
	}
	if a.Prop != "" && event.Property != a.Prop {
		return false
	}
	return a.Code == "" || event.Error == a.Code
}

func describe(a Assertion) string {
	s := a.Kind
	if a.Prop != "" {
		s += " " + a.Prop
	}
	if a.Code != "" {
		s += " failing with " + a.Code
	}
	return s
}

// assertTraceContains checks that some replayed operation matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the labels appear in the given order.
// They need not be consecutive; each label matches its first occurrence
// after the previous one.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, want := range a.Ops {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Label() == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: strings.Join(a.Ops, " -> "),
				Actual:   fmt.Sprintf("%q not found after the preceding entries", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the exact number of matching operations.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, event := range trace {
		if matches(event, a) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s %d time(s)", describe(a), a.Count),
			Actual:   fmt.Sprintf("%d time(s)", n),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the value at a dotted path of the target.
func assertFinalState(state map[string]any, trace []TraceEvent, a Assertion) error {
	actual, ok := lookupPath(state, a.Path)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", a.Path, a.Expect),
			Actual:   "path not found",
			Trace:    trace,
		}
	}
	got, want := normalize(actual), normalize(a.Expect)
	if !reflect.DeepEqual(got, want) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", a.Path, want),
			Actual:   fmt.Sprintf("%s = %v", a.Path, got),
			Trace:    trace,
		}
	}
	return nil
}

// assertErrorCode checks the error code of the event at a trace position.
func assertErrorCode(trace []TraceEvent, a Assertion) error {
	if a.Seq > int64(len(trace)) {
		return &AssertionError{
			Type:     AssertErrorCode,
			Expected: fmt.Sprintf("event %d", a.Seq),
			Actual:   fmt.Sprintf("trace has %d events", len(trace)),
			Trace:    trace,
		}
	}
	event := trace[a.Seq-1]
	if event.Error != a.Code {
		want, got := a.Code, event.Error
		if want == "" {
			want = "success"
		}
		if got == "" {
			got = "success"
		}
		return &AssertionError{
			Type:     AssertErrorCode,
			Expected: fmt.Sprintf("event %d (%s): %s", a.Seq, event.Label(), want),
			Actual:   got,
			Trace:    trace,
		}
	}
	return nil
}

// assertCallbackCount checks how often a scenario callback ran.
func assertCallbackCount(calls map[string]int, trace []TraceEvent, a Assertion) error {
	if n := calls[a.Callback]; n != a.Count {
		return &AssertionError{
			Type:     AssertCallbackCount,
			Expected: fmt.Sprintf("callback %s called %d time(s)", a.Callback, a.Count),
			Actual:   fmt.Sprintf("%d time(s)", n),
			Trace:    trace,
		}
	}
	return nil
}

// lookupPath walks a dotted path through maps and slices.
func lookupPath(state map[string]any, path string) (any, bool) {
	var cur any = state
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// normalize maps state values and expectations to comparable plain data.
// Buffers compare by content; values without a plain form by type.
func normalize(v any) any {
	if b, ok := v.(*ir.Buffer); ok {
		data, err := b.Bytes()
		if err != nil {
			return "<detached buffer>"
		}
		return string(data)
	}
	iv, err := ir.FromGo(v)
	if err != nil {
		return fmt.Sprintf("<%T>", v)
	}
	return ir.ToPlain(iv)
}
