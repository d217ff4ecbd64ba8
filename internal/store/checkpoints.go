package store

import (
	"context"
	"database/sql"
	"errors"

	"steward/internal/sterrors"
)

const checkpointColumns = `id, session_id, checkpoint_number, created_at, context_used,
	commit_hash, completed_components, metrics, continuation`

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var c Checkpoint
	var components, metrics, continuation string
	err := row.Scan(&c.ID, &c.SessionID, &c.Number, &c.CreatedAt, &c.ContextUsed,
		&c.CommitHash, &components, &metrics, &continuation)
	if err != nil {
		return nil, err
	}
	c.CompletedComponents = unmarshalJSON[[]string](components)
	c.Metrics = unmarshalJSON[CheckpointMetrics](metrics)
	c.Continuation = unmarshalJSON[ContinuationPlan](continuation)
	return &c, nil
}

// InsertCheckpoint writes an immutable checkpoint row inside tx. The caller is
// responsible for assigning the next contiguous number.
func InsertCheckpoint(ctx context.Context, tx *sql.Tx, c *Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Number, c.CreatedAt, c.ContextUsed, c.CommitHash,
		marshalJSON(c.CompletedComponents), marshalJSON(c.Metrics), marshalJSON(c.Continuation))
	return storageErr(err)
}

// LatestCheckpoint returns the highest-numbered checkpoint for a session.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return latestCheckpoint(ctx, s.db, sessionID)
}

// LatestCheckpointTx is LatestCheckpoint inside an open transaction.
func LatestCheckpointTx(ctx context.Context, tx *sql.Tx, sessionID string) (*Checkpoint, error) {
	return latestCheckpoint(ctx, tx, sessionID)
}

func latestCheckpoint(ctx context.Context, q querier, sessionID string) (*Checkpoint, error) {
	row := q.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ? ORDER BY checkpoint_number DESC LIMIT 1`, sessionID)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return checkpoint, nil
}

// ListCheckpoints returns a session's checkpoints in number order.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ? ORDER BY checkpoint_number ASC`, sessionID)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	return checkpoints, storageErr(rows.Err())
}
