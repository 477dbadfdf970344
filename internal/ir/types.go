package ir

import "fmt"

// ID identifies an object or function within one context's registry.
// IDs are opaque; only RootID has a fixed value.
type ID string

// RootID is the well-known identifier of the root object.
// Every Reference Map is pre-bound with the replay target under this id.
const RootID ID = "root"

// Kind is the operation kind of a recorded Operation.
type Kind string

const (
	// KindRead reads a member of the target.
	KindRead Kind = "read"
	// KindWrite writes a member of the target.
	KindWrite Kind = "write"
	// KindInvoke calls the target as a function, with an optional receiver.
	KindInvoke Kind = "invoke"
	// KindInstantiate constructs a new object using the target as constructor.
	KindInstantiate Kind = "instantiate"
)

// ValidKinds defines the allowed operation kinds.
var ValidKinds = map[Kind]bool{
	KindRead:        true,
	KindWrite:       true,
	KindInvoke:      true,
	KindInstantiate: true,
}

// Valid reports whether k is one of the four operation kinds.
func (k Kind) Valid() bool {
	return ValidKinds[k]
}

// ProducesResult reports whether operations of this kind bind a result id.
func (k Kind) ProducesResult() bool {
	return k == KindRead || k == KindInvoke || k == KindInstantiate
}

// Operation is one entry of an Operation Log.
//
// Result, when set, is the id the result of this operation will be bound to
// if and when it is replayed. It is assigned at recording time, before the
// real result exists.
type Operation struct {
	Kind        Kind      `json:"kind"`
	Target      ID        `json:"target"`
	Property    string    `json:"property,omitempty"`
	Args        []IRValue `json:"args,omitempty"`
	Value       IRValue   `json:"value,omitempty"`
	Receiver    ID        `json:"receiver,omitempty"`
	Constructed string    `json:"constructed,omitempty"`
	Result      ID        `json:"result,omitempty"`
}

// String renders a compact human-readable form for logs and traces.
func (op Operation) String() string {
	switch op.Kind {
	case KindRead:
		return fmt.Sprintf("%s = %s.%s", op.Result, op.Target, op.Property)
	case KindWrite:
		return fmt.Sprintf("%s.%s = %s", op.Target, op.Property, describe(op.Value))
	case KindInvoke:
		return fmt.Sprintf("%s = %s(%d args)", op.Result, op.Target, len(op.Args))
	case KindInstantiate:
		return fmt.Sprintf("%s = new %s[%s](%d args)", op.Result, op.Target, op.Constructed, len(op.Args))
	default:
		return fmt.Sprintf("?%s %s", op.Kind, op.Target)
	}
}

func describe(v IRValue) string {
	if v == nil {
		return "null"
	}
	data, err := MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%T", v)
	}
	return string(data)
}
