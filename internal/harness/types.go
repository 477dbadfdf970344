package harness

// Trace event types.
const (
	EventOp       = "op"
	EventCallback = "callback"
	EventRelease  = "release"
)

// TraceEvent is one replayed operation, callback invocation, or release of
// a replayed reference.
type TraceEvent struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq"`
	Batch    int64  `json:"batch,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Target   string `json:"target,omitempty"`
	Property string `json:"property,omitempty"`
	Args     []any  `json:"args,omitempty"`
	Value    any    `json:"value,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Callback string `json:"callback,omitempty"`
}

// Label renders the event the way trace_order names operations:
// "kind property", or just "kind" when there is no property.
func (e TraceEvent) Label() string {
	switch e.Type {
	case EventCallback:
		return "callback " + e.Callback
	case EventRelease:
		return "release " + e.Target
	}
	if e.Property == "" {
		return e.Kind
	}
	return e.Kind + " " + e.Property
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace lists replayed operations and callback invocations in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the target document after the last replay.
	State map[string]any `json:"-"`

	// Batches is the number of batches journaled and replayed.
	Batches int `json:"batches"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}
