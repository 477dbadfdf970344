package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// JSONCodec encodes messages as JSON and validates inbound payloads against
// the embedded CUE schema.
//
// Thread-safety: JSONCodec is safe for concurrent use. CUE values are not,
// so validation is serialized.
type JSONCodec struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
	err    error
	once   sync.Once
}

// NewJSONCodec creates a JSON codec. The schema is compiled on first use.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Name implements Codec.
func (c *JSONCodec) Name() string {
	return "json"
}

// Encode implements Codec.
func (c *JSONCodec) Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(toWire(m))
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(data []byte) (Message, error) {
	if err := c.Validate(data); err != nil {
		return Message{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w wireMessage
	if err := dec.Decode(&w); err != nil {
		return Message{}, malformed("%v", err)
	}
	return decodeChecked(w)
}

// Validate checks a raw JSON payload against the message schema.
func (c *JSONCodec) Validate(data []byte) error {
	c.once.Do(c.compile)
	if c.err != nil {
		return fmt.Errorf("message schema: %w", c.err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.ctx.CompileBytes(data)
	if err := v.Err(); err != nil {
		return malformed("%v", err)
	}
	if err := c.schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return malformed("%v", err)
	}
	return nil
}

func (c *JSONCodec) compile() {
	c.ctx = cuecontext.New()
	root := c.ctx.CompileString(schemaSource)
	if err := root.Err(); err != nil {
		c.err = err
		return
	}
	c.schema = root.LookupPath(cue.ParsePath("#Message"))
	c.err = c.schema.Err()
}
