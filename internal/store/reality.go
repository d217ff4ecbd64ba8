package store

import (
	"context"
	"database/sql"
	"errors"

	"steward/internal/sterrors"
)

// InsertRealitySnapshot writes an immutable snapshot row.
func (s *Store) InsertRealitySnapshot(ctx context.Context, snap *RealitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reality_snapshots
		(id, session_id, created_at, discrepancies, confidence)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.CreatedAt, marshalJSON(snap.Discrepancies), snap.Confidence)
	return storageErr(err)
}

// GetRealitySnapshot loads a snapshot by id.
func (s *Store) GetRealitySnapshot(ctx context.Context, id string) (*RealitySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, created_at, discrepancies, confidence
		FROM reality_snapshots WHERE id = ?`, id)
	var snap RealitySnapshot
	var discrepancies string
	err := row.Scan(&snap.ID, &snap.SessionID, &snap.CreatedAt, &discrepancies, &snap.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.SnapshotNotFound(id)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	snap.Discrepancies = unmarshalJSON[[]Discrepancy](discrepancies)
	return &snap, nil
}

// LatestRealitySnapshot returns the newest snapshot for a session, or nil.
func (s *Store) LatestRealitySnapshot(ctx context.Context, sessionID string) (*RealitySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM reality_snapshots
		WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return s.GetRealitySnapshot(ctx, id)
}
