package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/mirage/internal/ir"
)

// ClaimBatch marks one batch as consumed by claimant.
// Returns false if the batch was already claimed, which is how the journal
// keeps a batch from being replayed twice.
func (s *Store) ClaimBatch(ctx context.Context, contextID string, seq int64, claimant string) (bool, error) {
	if claimant == "" {
		return false, fmt.Errorf("claim batch: empty claimant")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET claimed_by = ?
		WHERE context = ? AND seq = ? AND claimed_by IS NULL
	`, claimant, contextID, seq)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	return n == 1, nil
}

// ClaimNext claims the lowest unclaimed batch of contextID.
// ok is false when every batch was claimed.
//
// Batches are claimed in seq order; a replayer that stops part way resumes
// at the first batch it did not claim.
func (s *Store) ClaimNext(ctx context.Context, contextID, claimant string) (b ir.Batch, ok bool, err error) {
	if claimant == "" {
		return ir.Batch{}, false, fmt.Errorf("claim next: empty claimant")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Batch{}, false, fmt.Errorf("claim next: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	row := tx.QueryRowContext(ctx, `
		SELECT context, seq, batch_id, ops, transfers, COALESCE(claimed_by, '')
		FROM batches
		WHERE context = ? AND claimed_by IS NULL
		ORDER BY seq ASC
		LIMIT 1
	`, contextID)
	stored, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Batch{}, false, nil
	}
	if err != nil {
		return ir.Batch{}, false, fmt.Errorf("claim next: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE batches SET claimed_by = ? WHERE context = ? AND seq = ?
	`, claimant, stored.Context, stored.Seq); err != nil {
		return ir.Batch{}, false, fmt.Errorf("claim next: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ir.Batch{}, false, fmt.Errorf("claim next: commit: %w", err)
	}
	return stored.Batch, true, nil
}

// VerifyBatch recomputes the content id of a stored batch.
// Returns an error if the stored operations no longer hash to the id.
func (s *Store) VerifyBatch(ctx context.Context, contextID string, seq int64) error {
	b, err := s.ReadBatch(ctx, contextID, seq)
	if err != nil {
		return err
	}
	id, err := ir.BatchID(b.Context, b.Seq, b.Ops)
	if err != nil {
		return fmt.Errorf("verify batch %s/%d: %w", contextID, seq, err)
	}
	if id != b.ID {
		return fmt.Errorf("verify batch %s/%d: id mismatch: stored %s, computed %s", contextID, seq, b.ID, id)
	}
	return nil
}
