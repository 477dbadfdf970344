package store

import (
	"context"
	"fmt"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/replay"
)

// AppendBatch journals a flushed batch.
// Uses ON CONFLICT DO NOTHING for idempotency - appending the same
// (context, seq) twice is silently ignored.
//
// A batch without id gets one computed here.
func (s *Store) AppendBatch(ctx context.Context, b ir.Batch) error {
	if len(b.Ops) == 0 {
		return fmt.Errorf("append batch %s/%d: no operations", b.Context, b.Seq)
	}
	if b.ID == "" {
		id, err := ir.BatchID(b.Context, b.Seq, b.Ops)
		if err != nil {
			return fmt.Errorf("append batch: %w", err)
		}
		b.ID = id
	}

	opsJSON, err := marshalOps(b.Ops)
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	transfersJSON, err := marshalTransfers(b.Transfers)
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches
		(context, seq, batch_id, ops, transfers, op_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		b.Context,
		b.Seq,
		b.ID,
		opsJSON,
		transfersJSON,
		len(b.Ops),
	)
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

// WriteResults records the outcome of replaying a batch, one row per
// operation. Rewriting the results of a batch replaces them.
//
// Note: The batch must have been appended first (foreign key constraint).
func (s *Store) WriteResults(ctx context.Context, b ir.Batch, results []replay.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write results: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, res := range results {
		var code, msg string
		if res.Err != nil {
			code = string(replay.CodeOf(res.Err))
			msg = res.Err.Error()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO replay_results
			(context, seq, op_index, kind, result_id, error_code, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(context, seq, op_index) DO UPDATE SET
				kind = excluded.kind,
				result_id = excluded.result_id,
				error_code = excluded.error_code,
				error = excluded.error
		`,
			b.Context,
			b.Seq,
			res.Index,
			string(res.Op.Kind),
			string(res.Op.Result),
			code,
			msg,
		)
		if err != nil {
			return fmt.Errorf("write results: op %d: %w", res.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write results: commit: %w", err)
	}
	return nil
}
