package protocol

import (
	"errors"
	"fmt"

	"github.com/roach88/mirage/internal/ir"
)

// ErrMalformed marks a message with an unknown type or missing fields.
var ErrMalformed = errors.New("malformed message")

// Type is the message discriminator.
type Type string

const (
	TypeReplay           Type = "replay"
	TypeRefcount         Type = "refcount"
	TypeRegisterCallback Type = "registerCallback"
	TypeEvaluate         Type = "evaluate"
	TypeProxyGet         Type = "proxyGet"
	TypeCall             Type = "call"
	TypeReturn           Type = "return"
)

// Message is one unit on the wire. Which fields are set depends on Type:
//
//	replay            Context, Seq, BatchID, Ops, Transfers
//	refcount          ID, Delta
//	registerCallback  ID
//	evaluate          Reply, Value or Func+Args
//	proxyGet          ID, Property, Reply
//	call              Channel, Args, optional Reply
//	return            Channel, Value or Error
type Message struct {
	Type      Type
	Channel   ir.ID
	Reply     ir.ID
	ID        ir.ID
	Delta     int
	Property  string
	Func      string
	Context   string
	Seq       int64
	BatchID   string
	Ops       []ir.Operation
	Args      []ir.IRValue
	Value     ir.IRValue
	Error     string
	Transfers [][]byte
}

// ReplayMessage wraps a flushed batch.
func ReplayMessage(b ir.Batch) Message {
	return Message{
		Type:      TypeReplay,
		Context:   b.Context,
		Seq:       b.Seq,
		BatchID:   b.ID,
		Ops:       b.Ops,
		Transfers: b.Transfers,
	}
}

// Batch extracts the batch carried by a replay message.
func (m Message) Batch() ir.Batch {
	return ir.Batch{
		Context:   m.Context,
		Seq:       m.Seq,
		ID:        m.BatchID,
		Ops:       m.Ops,
		Transfers: m.Transfers,
	}
}

// IsControl reports whether the message belongs on the main channel.
func (m Message) IsControl() bool {
	return m.Channel == ""
}

// Check validates the fields required by the message type.
func (m Message) Check() error {
	switch m.Type {
	case TypeReplay:
		if len(m.Ops) == 0 {
			return malformed("replay without ops")
		}
	case TypeRefcount:
		if m.ID == "" {
			return malformed("refcount without id")
		}
		if m.Delta == 0 {
			return malformed("refcount with zero delta")
		}
	case TypeRegisterCallback:
		if m.ID == "" {
			return malformed("registerCallback without id")
		}
	case TypeEvaluate:
		if m.Reply == "" {
			return malformed("evaluate without reply channel")
		}
		if m.Value == nil && m.Func == "" {
			return malformed("evaluate without value or func")
		}
	case TypeProxyGet:
		if m.ID == "" || m.Property == "" || m.Reply == "" {
			return malformed("proxyGet requires id, property and reply")
		}
	case TypeCall:
		if m.Channel == "" {
			return malformed("call without channel")
		}
	case TypeReturn:
		if m.Channel == "" {
			return malformed("return without channel")
		}
	case "":
		return malformed("missing type")
	default:
		return malformed("unknown type %q", m.Type)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}
