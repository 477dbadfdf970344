package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// CBORCodec encodes messages as canonical CBOR. Byte strings carry
// transfers without the base64 overhead of JSON.
type CBORCodec struct{}

// NewCBORCodec creates a CBOR codec.
func NewCBORCodec() CBORCodec {
	return CBORCodec{}
}

// Name implements Codec.
func (CBORCodec) Name() string {
	return "cbor"
}

// Encode implements Codec.
func (CBORCodec) Encode(m Message) ([]byte, error) {
	data, err := cborEncMode.Marshal(toWire(m))
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode implements Codec.
func (CBORCodec) Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := cborDecMode.Unmarshal(data, &w); err != nil {
		return Message{}, malformed("%v", err)
	}
	return decodeChecked(w)
}
