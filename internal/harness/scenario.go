package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a record/replay scenario.
// Steps are recorded against stand-ins, replayed against Target, and the
// resulting trace and final state are checked by Assertions.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Context is the generator namespace for stand-in ids and the context
	// id stamped on batches. Defaults to "t".
	Context string `yaml:"context,omitempty"`

	// AutoVivify makes reads of missing map keys create empty maps.
	AutoVivify bool `yaml:"auto_vivify,omitempty"`

	// Target is the initial document replayed against.
	Target map[string]any `yaml:"target,omitempty"`

	// Builtins lists functions and constructors installed on the target
	// under their own names. See Builtins.
	Builtins []string `yaml:"builtins,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action against the recorder.
type Step struct {
	// Op is one of the Step* constants.
	Op string `yaml:"op"`

	// On names the handle the operation applies to. Empty means root.
	On string `yaml:"on,omitempty"`

	// Prop is the member read or written.
	Prop string `yaml:"prop,omitempty"`

	// Value is the value written.
	Value any `yaml:"value,omitempty"`

	// Args are the invocation or construction arguments.
	Args []any `yaml:"args,omitempty"`

	// As stores the resulting handle under a name.
	As string `yaml:"as,omitempty"`

	// Count is the expected log length (used by pending).
	Count int `yaml:"count,omitempty"`
}

// Step operations.
const (
	StepRead        = "read"
	StepWrite       = "write"
	StepInvoke      = "invoke"
	StepInstantiate = "instantiate"
	StepPause       = "pause"
	StepResume      = "resume"
	StepFlush       = "flush"
	StepClose       = "close"
	StepPending     = "pending"
)

var stepOps = []string{
	StepRead, StepWrite, StepInvoke, StepInstantiate,
	StepPause, StepResume, StepFlush, StepClose, StepPending,
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an operation of Kind (and Prop) was replayed
	// - "trace_order": Ops appear in order
	// - "trace_count": an operation of Kind (and Prop) appears Count times
	// - "final_state": the value at Path equals Expect
	// - "error_code": the event at Seq failed with Code
	// - "callback_count": Callback ran Count times
	Type string `yaml:"type"`

	// Kind is the operation kind (read, write, invoke, instantiate).
	Kind string `yaml:"kind,omitempty"`

	// Prop is the property; empty matches any.
	Prop string `yaml:"prop,omitempty"`

	// Ops is the expected order, as "kind prop" labels.
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`

	// Path is a dotted path into the final target document.
	Path string `yaml:"path,omitempty"`

	// Expect is the expected value at Path.
	Expect any `yaml:"expect,omitempty"`

	// Seq is the 1-based trace position (used by error_code).
	Seq int64 `yaml:"seq,omitempty"`

	// Code is the expected error code; empty expects success.
	Code string `yaml:"code,omitempty"`

	// Callback is the scenario callback name (used by callback_count).
	Callback string `yaml:"callback,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertErrorCode     = "error_code"
	AssertCallbackCount = "callback_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if strings.Contains(s.Context, "/") {
		return fmt.Errorf("context %q must not contain '/'", s.Context)
	}

	for _, name := range s.Builtins {
		if _, ok := builtins[name]; !ok {
			return fmt.Errorf("unknown builtin %q", name)
		}
	}

	names := map[string]bool{"": true}
	for i, step := range s.Steps {
		if err := validateStep(i, step, names); err != nil {
			return err
		}
		if step.As != "" {
			names[step.As] = true
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st Step, names map[string]bool) error {
	if !slices.Contains(stepOps, st.Op) {
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	if !names[st.On] {
		return fmt.Errorf("steps[%d]: handle %q is not defined by an earlier step", index, st.On)
	}
	switch st.Op {
	case StepRead, StepWrite:
		if st.Prop == "" {
			return fmt.Errorf("steps[%d]: prop is required for %s", index, st.Op)
		}
	case StepClose:
		if st.On == "" {
			return fmt.Errorf("steps[%d]: on is required for close", index)
		}
	case StepPending:
		if st.Count < 0 {
			return fmt.Errorf("steps[%d]: count must be non-negative for pending", index)
		}
	}
	if st.As != "" {
		switch st.Op {
		case StepRead, StepInvoke, StepInstantiate:
		default:
			return fmt.Errorf("steps[%d]: as is not allowed for %s", index, st.Op)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for final_state", index)
		}
	case AssertErrorCode:
		if a.Seq < 1 {
			return fmt.Errorf("assertions[%d]: seq must be positive for error_code", index)
		}
	case AssertCallbackCount:
		if a.Callback == "" {
			return fmt.Errorf("assertions[%d]: callback is required for callback_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for callback_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
