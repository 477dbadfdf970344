package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/mirage/internal/ir"
)

// marshalOps converts operations to canonical JSON TEXT for storage.
// These are the bytes the batch id was computed from.
func marshalOps(ops []ir.Operation) (string, error) {
	data, err := ir.MarshalCanonical(ops)
	if err != nil {
		return "", fmt.Errorf("marshal ops: %w", err)
	}
	return string(data), nil
}

// marshalTransfers stores moved resources as a JSON array of base64
// strings.
func marshalTransfers(transfers [][]byte) (string, error) {
	if len(transfers) == 0 {
		return "[]", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(transfers); err != nil {
		return "", fmt.Errorf("marshal transfers: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalOps parses stored operations. Operation.UnmarshalJSON decodes
// numbers with UseNumber, so large integers keep their precision.
func unmarshalOps(data string) ([]ir.Operation, error) {
	var ops []ir.Operation
	if err := json.Unmarshal([]byte(data), &ops); err != nil {
		return nil, fmt.Errorf("unmarshal ops: %w", err)
	}
	return ops, nil
}

func unmarshalTransfers(data string) ([][]byte, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var transfers [][]byte
	if err := json.Unmarshal([]byte(data), &transfers); err != nil {
		return nil, fmt.Errorf("unmarshal transfers: %w", err)
	}
	return transfers, nil
}
