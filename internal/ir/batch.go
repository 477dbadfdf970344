package ir

// Batch is one flushed slice of an Operation Log.
//
// Seq is assigned by the recording context and increases by one per flush.
// ID is the content hash from BatchID, which makes journal appends
// idempotent. Transfers holds the moved resources in the order their
// transfer markers appear in Ops.
type Batch struct {
	Context   string      `json:"context"`
	Seq       int64       `json:"seq"`
	ID        string      `json:"id"`
	Ops       []Operation `json:"ops"`
	Transfers [][]byte    `json:"transfers,omitempty"`
}

// NewBatch builds a batch and computes its content id.
func NewBatch(contextID string, seq int64, ops []Operation, transfers [][]byte) (Batch, error) {
	id, err := BatchID(contextID, seq, ops)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		Context:   contextID,
		Seq:       seq,
		ID:        id,
		Ops:       ops,
		Transfers: transfers,
	}, nil
}
