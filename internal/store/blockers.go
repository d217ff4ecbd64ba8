package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"steward/internal/sterrors"
)

const blockerColumns = `id, session_id, project_tag, kind, description, impact,
	created_at, resolution, resolved_at, time_to_resolve`

func scanBlocker(row interface{ Scan(...any) error }) (*Blocker, error) {
	var b Blocker
	var resolution sql.NullString
	var resolvedAt sql.NullTime
	var ttr sql.NullInt64
	err := row.Scan(&b.ID, &b.SessionID, &b.ProjectTag, &b.Kind, &b.Description, &b.Impact,
		&b.CreatedAt, &resolution, &resolvedAt, &ttr)
	if err != nil {
		return nil, err
	}
	if resolution.Valid {
		b.Resolution = resolution.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		b.ResolvedAt = &t
	}
	if ttr.Valid {
		b.TimeToResolve = time.Duration(ttr.Int64) * time.Second
	}
	return &b, nil
}

// InsertBlocker writes a new blocker row.
func (s *Store) InsertBlocker(ctx context.Context, b *Blocker) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO blockers
		(id, session_id, project_tag, kind, description, impact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.ProjectTag, b.Kind, b.Description, b.Impact, b.CreatedAt)
	return storageErr(err)
}

// GetBlocker loads a blocker by id.
func (s *Store) GetBlocker(ctx context.Context, id string) (*Blocker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockerColumns+` FROM blockers WHERE id = ?`, id)
	blocker, err := scanBlocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.BlockerNotFound(id)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return blocker, nil
}

// ResolveBlocker closes a blocker, recording resolution text and the measured
// time to resolve.
func (s *Store) ResolveBlocker(ctx context.Context, id, resolution string, resolvedAt time.Time) (*Blocker, error) {
	blocker, err := s.GetBlocker(ctx, id)
	if err != nil {
		return nil, err
	}
	if blocker.ResolvedAt != nil {
		return nil, sterrors.InvalidState("blocker %s already resolved", id)
	}
	ttr := int64(resolvedAt.Sub(blocker.CreatedAt).Seconds())
	if ttr < 0 {
		ttr = 0
	}
	_, err = s.db.ExecContext(ctx, `UPDATE blockers SET
		resolution = ?, resolved_at = ?, time_to_resolve = ? WHERE id = ?`,
		resolution, resolvedAt, ttr, id)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return s.GetBlocker(ctx, id)
}

// ListBlockers returns blockers for a project tag, open-first then newest.
func (s *Store) ListBlockers(ctx context.Context, projectTag string) ([]*Blocker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockerColumns+` FROM blockers
		WHERE project_tag = ? ORDER BY resolved_at IS NOT NULL, created_at DESC`, projectTag)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var blockers []*Blocker
	for rows.Next() {
		blocker, err := scanBlocker(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		blockers = append(blockers, blocker)
	}
	return blockers, storageErr(rows.Err())
}
