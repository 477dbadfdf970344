package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/mirage/internal/ir"
)

// ErrNotFound is returned when a requested batch does not exist.
var ErrNotFound = errors.New("not found")

// StoredBatch is a journaled batch with its claim state.
type StoredBatch struct {
	ir.Batch
	ClaimedBy string
}

// Claimed reports whether the batch was handed to a replayer.
func (b StoredBatch) Claimed() bool {
	return b.ClaimedBy != ""
}

// ResultRow is the stored outcome of one replayed operation.
type ResultRow struct {
	Index     int
	Kind      ir.Kind
	ResultID  ir.ID
	ErrorCode string
	Error     string
}

// Failed reports whether the operation failed.
func (r ResultRow) Failed() bool {
	return r.ErrorCode != "" || r.Error != ""
}

// ContextSummary describes the journal of one recording context.
type ContextSummary struct {
	Context    string `json:"context"`
	Batches    int    `json:"batches"`
	Operations int    `json:"operations"`
	Claimed    int    `json:"claimed"`
	LastSeq    int64  `json:"last_seq"`
}

// ReadBatches returns every batch journaled for contextID, ordered by seq.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadBatches(ctx context.Context, contextID string) ([]StoredBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context, seq, batch_id, ops, transfers, COALESCE(claimed_by, '')
		FROM batches
		WHERE context = ?
		ORDER BY seq ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	batches := []StoredBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// ReadBatch returns one batch. Returns ErrNotFound if it does not exist.
func (s *Store) ReadBatch(ctx context.Context, contextID string, seq int64) (StoredBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT context, seq, batch_id, ops, transfers, COALESCE(claimed_by, '')
		FROM batches
		WHERE context = ? AND seq = ?
	`, contextID, seq)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredBatch{}, fmt.Errorf("batch %s/%d: %w", contextID, seq, ErrNotFound)
	}
	return b, err
}

// ReadResults returns the stored results of one batch ordered by op_index.
func (s *Store) ReadResults(ctx context.Context, contextID string, seq int64) ([]ResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_index, kind, result_id, error_code, error
		FROM replay_results
		WHERE context = ? AND seq = ?
		ORDER BY op_index ASC
	`, contextID, seq)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	results := []ResultRow{}
	for rows.Next() {
		var r ResultRow
		var kind, resultID string
		if err := rows.Scan(&r.Index, &kind, &resultID, &r.ErrorCode, &r.Error); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Kind = ir.Kind(kind)
		r.ResultID = ir.ID(resultID)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// ListContexts summarizes every context in the journal, ordered by name.
func (s *Store) ListContexts(ctx context.Context) ([]ContextSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context,
		       COUNT(*),
		       SUM(op_count),
		       COUNT(claimed_by),
		       MAX(seq)
		FROM batches
		GROUP BY context
		ORDER BY context COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query contexts: %w", err)
	}
	defer rows.Close()

	summaries := []ContextSummary{}
	for rows.Next() {
		var c ContextSummary
		if err := rows.Scan(&c.Context, &c.Batches, &c.Operations, &c.Claimed, &c.LastSeq); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		summaries = append(summaries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contexts: %w", err)
	}
	return summaries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (StoredBatch, error) {
	var b StoredBatch
	var opsJSON, transfersJSON string
	err := row.Scan(&b.Context, &b.Seq, &b.ID, &opsJSON, &transfersJSON, &b.ClaimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredBatch{}, err
	}
	if err != nil {
		return StoredBatch{}, fmt.Errorf("scan batch: %w", err)
	}

	if b.Ops, err = unmarshalOps(opsJSON); err != nil {
		return StoredBatch{}, fmt.Errorf("batch %s/%d: %w", b.Context, b.Seq, err)
	}
	if b.Transfers, err = unmarshalTransfers(transfersJSON); err != nil {
		return StoredBatch{}, fmt.Errorf("batch %s/%d: %w", b.Context, b.Seq, err)
	}
	return b, nil
}
