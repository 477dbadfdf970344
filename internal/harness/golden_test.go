package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "vivify_write"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestSnapshot_OmitsEmptyFields(t *testing.T) {
	s := &Scenario{Name: "snap"}
	result := NewResult()
	result.addEvent(TraceEvent{Type: EventRelease, Target: "t/4"})
	result.addEvent(TraceEvent{Type: EventOp, Batch: 2, Kind: "write", Target: "root", Property: "gone"})

	snap := NewSnapshot(s, result)
	data, err := snap.MarshalCanonical()
	require.NoError(t, err)

	assert.Equal(t,
		`{"context":"t","scenario_name":"snap","trace":[`+
			`{"seq":1,"target":"t/4","type":"release"},`+
			`{"batch":2,"kind":"write","property":"gone","seq":2,"target":"root","type":"op","value":null}]}`,
		string(data))
}
