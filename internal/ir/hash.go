package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainBatch = "mirage/batch/v1"
	DomainTrace = "mirage/trace/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BatchID computes the content-addressed id of a flushed batch.
// The recording context and its flush sequence number are part of the hash:
// two flushes with identical operations (e.g. the same write repeated) are
// still distinct batches.
func BatchID(contextID string, seq int64, ops []Operation) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"context": contextID,
		"seq":     seq,
		"ops":     opsToAny(ops),
	})
	if err != nil {
		return "", fmt.Errorf("BatchID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainBatch, canonical), nil
}

// TraceHash fingerprints an operation log independent of where it came from.
// Used to compare a recorded log against a golden trace.
func TraceHash(ops []Operation) (string, error) {
	canonical, err := MarshalCanonical(ops)
	if err != nil {
		return "", fmt.Errorf("TraceHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTrace, canonical), nil
}

// MustBatchID is like BatchID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustBatchID(contextID string, seq int64, ops []Operation) string {
	id, err := BatchID(contextID, seq, ops)
	if err != nil {
		panic(err)
	}
	return id
}

func opsToAny(ops []Operation) []any {
	out := make([]any, len(ops))
	for i, op := range ops {
		out[i] = op
	}
	return out
}
