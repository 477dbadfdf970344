package protocol

import (
	"fmt"

	"github.com/roach88/mirage/internal/ir"
)

// wireMessage is the encoding-neutral shape shared by both codecs.
// CBOR falls back to the json tags.
type wireMessage struct {
	Type      Type                `json:"type"`
	Channel   ir.ID               `json:"channel,omitempty"`
	Reply     ir.ID               `json:"reply,omitempty"`
	ID        ir.ID               `json:"id,omitempty"`
	Delta     int                 `json:"delta,omitempty"`
	Property  string              `json:"property,omitempty"`
	Func      string              `json:"func,omitempty"`
	Context   string              `json:"context,omitempty"`
	Seq       int64               `json:"seq,omitempty"`
	BatchID   string              `json:"batch,omitempty"`
	Ops       []ir.PlainOperation `json:"ops,omitempty"`
	Args      []any               `json:"args,omitempty"`
	Value     any                 `json:"value,omitempty"`
	Error     string              `json:"error,omitempty"`
	Transfers [][]byte            `json:"transfers,omitempty"`
}

func toWire(m Message) wireMessage {
	w := wireMessage{
		Type:      m.Type,
		Channel:   m.Channel,
		Reply:     m.Reply,
		ID:        m.ID,
		Delta:     m.Delta,
		Property:  m.Property,
		Func:      m.Func,
		Context:   m.Context,
		Seq:       m.Seq,
		BatchID:   m.BatchID,
		Error:     m.Error,
		Transfers: m.Transfers,
	}
	if len(m.Ops) > 0 {
		w.Ops = make([]ir.PlainOperation, len(m.Ops))
		for i, op := range m.Ops {
			w.Ops[i] = op.Plain()
		}
	}
	if len(m.Args) > 0 {
		w.Args = make([]any, len(m.Args))
		for i, a := range m.Args {
			w.Args[i] = ir.ToPlain(a)
		}
	}
	if m.Value != nil {
		w.Value = ir.ToPlain(m.Value)
	}
	return w
}

func fromWire(w wireMessage) (Message, error) {
	m := Message{
		Type:      w.Type,
		Channel:   w.Channel,
		Reply:     w.Reply,
		ID:        w.ID,
		Delta:     w.Delta,
		Property:  w.Property,
		Func:      w.Func,
		Context:   w.Context,
		Seq:       w.Seq,
		BatchID:   w.BatchID,
		Error:     w.Error,
		Transfers: w.Transfers,
	}
	if len(w.Ops) > 0 {
		m.Ops = make([]ir.Operation, len(w.Ops))
		for i, p := range w.Ops {
			op, err := p.Operation()
			if err != nil {
				return Message{}, malformed("ops[%d]: %v", i, err)
			}
			m.Ops[i] = op
		}
	}
	if len(w.Args) > 0 {
		m.Args = make([]ir.IRValue, len(w.Args))
		for i, a := range w.Args {
			v, err := ir.FromPlain(a)
			if err != nil {
				return Message{}, malformed("args[%d]: %v", i, err)
			}
			m.Args[i] = v
		}
	}
	if w.Value != nil {
		v, err := ir.FromPlain(w.Value)
		if err != nil {
			return Message{}, malformed("value: %v", err)
		}
		m.Value = v
	}
	return m, nil
}

func decodeChecked(w wireMessage) (Message, error) {
	m, err := fromWire(w)
	if err != nil {
		return Message{}, err
	}
	if err := m.Check(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Codec encodes messages for a byte-oriented transport.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecByName returns the codec registered under name ("json" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return NewJSONCodec(), nil
	case "cbor":
		return NewCBORCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
