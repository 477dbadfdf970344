package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "callback")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
}

func TestRun_DoesNotMutateScenarioTarget(t *testing.T) {
	s := loadTestScenario(t, "pause")

	_, err := Run(s)
	require.NoError(t, err)

	assert.NotContains(t, s.Target, "a")
	assert.Equal(t, map[string]any{"n": 0}, s.Target["keep"])
}

func TestRun_CallbackTrace(t *testing.T) {
	result, err := Run(loadTestScenario(t, "callback"))
	require.NoError(t, err)
	require.Len(t, result.Trace, 3)

	invoke := result.Trace[1]
	assert.Equal(t, "invoke", invoke.Kind)
	assert.Equal(t, "t/1", invoke.Target)
	assert.Equal(t, "t/2", invoke.Result)
	require.Len(t, invoke.Args, 3)
	assert.Equal(t, map[string]any{"channel": "t/3"}, invoke.Args[0])

	cb := result.Trace[2]
	assert.Equal(t, EventCallback, cb.Type)
	assert.Equal(t, "ping", cb.Callback)
	assert.Equal(t, int64(1), cb.Batch)
	assert.Equal(t, []any{int64(1), "two"}, cb.Args)
}

func TestRun_BatchesPerFlush(t *testing.T) {
	result, err := Run(loadTestScenario(t, "release"))
	require.NoError(t, err)

	// The explicit flush replays one batch; the final flush carries only
	// the release.
	assert.Equal(t, 1, result.Batches)
	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, EventRelease, last.Type)
	assert.Equal(t, "t/1", last.Target)
}

func TestRun_PendingMismatchFails(t *testing.T) {
	s := &Scenario{
		Name:        "pending",
		Description: "pending count mismatch",
		Steps: []Step{
			{Op: StepWrite, Prop: "a", Value: 1},
			{Op: StepPending, Count: 2},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Kind: "write", Count: 1}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "pending operations = 1, want 2")
}

func TestRun_UnknownHandleReference(t *testing.T) {
	s := &Scenario{
		Name:        "unknown",
		Description: "reference to a handle that does not exist",
		Steps: []Step{
			{Op: StepWrite, Prop: "a", Value: "$missing"},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Kind: "write", Count: 1}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown handle "missing"`)
}

func TestRun_FailingAssertion(t *testing.T) {
	s := loadTestScenario(t, "vivify_write")
	s.Assertions = []Assertion{{Type: AssertFinalState, Path: "a.value", Expect: "y"}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "a.value = x")
}
