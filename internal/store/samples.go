package store

import (
	"context"
	"database/sql"
	"time"

	"steward/internal/sterrors"
)

// InsertContextSample appends a token-usage record inside tx. Samples are
// append-only; duplicates under retry are permitted and accounted.
func InsertContextSample(ctx context.Context, tx *sql.Tx, sample *ContextSample) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO context_samples
		(session_id, timestamp, phase, tokens, operation) VALUES (?, ?, ?, ?, ?)`,
		sample.SessionID, sample.Timestamp, sample.Phase, sample.Tokens, sample.Operation)
	if err != nil {
		return sterrors.Storage(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		sample.ID = id
	}
	return nil
}

// ListContextSamples returns a session's samples in timestamp order.
func (s *Store) ListContextSamples(ctx context.Context, sessionID string) ([]*ContextSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, timestamp, phase, tokens, operation
		FROM context_samples WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var samples []*ContextSample
	for rows.Next() {
		var sample ContextSample
		if err := rows.Scan(&sample.ID, &sample.SessionID, &sample.Timestamp,
			&sample.Phase, &sample.Tokens, &sample.Operation); err != nil {
			return nil, sterrors.Storage(err)
		}
		samples = append(samples, &sample)
	}
	return samples, storageErr(rows.Err())
}

// SamplesSince returns samples recorded at or after cutoff.
func (s *Store) SamplesSince(ctx context.Context, sessionID string, cutoff time.Time) ([]*ContextSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, timestamp, phase, tokens, operation
		FROM context_samples WHERE session_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC`, sessionID, cutoff)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var samples []*ContextSample
	for rows.Next() {
		var sample ContextSample
		if err := rows.Scan(&sample.ID, &sample.SessionID, &sample.Timestamp,
			&sample.Phase, &sample.Tokens, &sample.Operation); err != nil {
			return nil, sterrors.Storage(err)
		}
		samples = append(samples, &sample)
	}
	return samples, storageErr(rows.Err())
}

// PhaseTotals sums sample tokens per phase for a session.
func (s *Store) PhaseTotals(ctx context.Context, sessionID string) (map[Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, SUM(tokens) FROM context_samples
		WHERE session_id = ? GROUP BY phase`, sessionID)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	totals := make(map[Phase]int)
	for rows.Next() {
		var phase Phase
		var tokens int
		if err := rows.Scan(&phase, &tokens); err != nil {
			return nil, sterrors.Storage(err)
		}
		totals[phase] = tokens
	}
	return totals, storageErr(rows.Err())
}
