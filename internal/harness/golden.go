package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/mirage/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Context      string       `json:"context"`
	Trace        []TraceEvent `json:"trace"`
}

// NewSnapshot builds the snapshot of a scenario's result.
func NewSnapshot(scenario *Scenario, result *Result) TraceSnapshot {
	ns := scenario.Context
	if ns == "" {
		ns = DefaultContext
	}
	return TraceSnapshot{ScenarioName: scenario.Name, Context: ns, Trace: result.Trace}
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. Empty fields are omitted, except the value of a write.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type": event.Type,
			"seq":  event.Seq,
		}
		if event.Batch != 0 {
			eventMap["batch"] = event.Batch
		}
		if event.Kind != "" {
			eventMap["kind"] = event.Kind
		}
		if event.Target != "" {
			eventMap["target"] = event.Target
		}
		if event.Property != "" {
			eventMap["property"] = event.Property
		}
		if event.Args != nil {
			eventMap["args"] = event.Args
		}
		if event.Kind == string(ir.KindWrite) {
			eventMap["value"] = event.Value
		}
		if event.Result != "" {
			eventMap["result"] = event.Result
		}
		if event.Error != "" {
			eventMap["error"] = event.Error
		}
		if event.Callback != "" {
			eventMap["callback"] = event.Callback
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"context":       s.Context,
		"trace":         traceList,
	}
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result's trace against the golden file
// named after the scenario.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	snapshot := NewSnapshot(scenario, result)
	traceJSON, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
