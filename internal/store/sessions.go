package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"steward/internal/sterrors"
)

const sessionColumns = `id, project_name, kind, start_time, estimated_completion, phase, status,
	est_lines, est_tests, est_docs, context_budget, context_used,
	lines_written, tests_written, tests_passing, docs_updated, velocity_score, end_time`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var endTime sql.NullTime
	err := row.Scan(
		&s.ID, &s.Project, &s.Kind, &s.StartTime, &s.EstimatedCompletion, &s.Phase, &s.Status,
		&s.Scope.Lines, &s.Scope.Tests, &s.Scope.Docs, &s.ContextBudget, &s.ContextUsed,
		&s.Metrics.LinesWritten, &s.Metrics.TestsWritten, &s.Metrics.TestsPassing,
		&s.Metrics.DocsUpdated, &s.Metrics.VelocityScore, &endTime,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		t := endTime.Time
		s.EndTime = &t
	}
	return &s, nil
}

// InsertSession writes a new session row inside tx.
func InsertSession(ctx context.Context, tx *sql.Tx, s *Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Project, s.Kind, s.StartTime, s.EstimatedCompletion, s.Phase, s.Status,
		s.Scope.Lines, s.Scope.Tests, s.Scope.Docs, s.ContextBudget, s.ContextUsed,
		s.Metrics.LinesWritten, s.Metrics.TestsWritten, s.Metrics.TestsPassing,
		s.Metrics.DocsUpdated, s.Metrics.VelocityScore, s.EndTime,
	)
	return storageErr(err)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, id)
}

// GetSessionTx loads a session inside an open transaction.
func GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (*Session, error) {
	return getSession(ctx, tx, id)
}

func getSession(ctx context.Context, q querier, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return session, nil
}

// ActiveSession returns the newest session with status=active for the project.
// The data model permits several actives; the newest is canonical.
func (s *Store) ActiveSession(ctx context.Context, project string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE project_name = ? AND status = ? ORDER BY start_time DESC LIMIT 1`,
		project, StatusActive)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.SessionNotFound("active session for project " + project)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return session, nil
}

// ListSessions returns sessions newest first, optionally filtered by project.
func (s *Store) ListSessions(ctx context.Context, project string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if project != "" {
		query += ` WHERE project_name = ?`
		args = append(args, project)
	}
	query += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		sessions = append(sessions, session)
	}
	return sessions, storageErr(rows.Err())
}

// SetSessionStatus updates the status (and end_time for terminal states).
func SetSessionStatus(ctx context.Context, tx *sql.Tx, id string, status SessionStatus, endTime *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, end_time = COALESCE(?, end_time) WHERE id = ?`,
		status, endTime, id)
	if err != nil {
		return sterrors.Storage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sterrors.SessionNotFound(id)
	}
	return nil
}

// UpdateSessionPhase records a phase transition.
func UpdateSessionPhase(ctx context.Context, tx *sql.Tx, id string, phase Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET phase = ? WHERE id = ?`, phase, id)
	return storageErr(err)
}

// UpdateSessionMetrics overwrites the metrics columns for an active session.
func UpdateSessionMetrics(ctx context.Context, tx *sql.Tx, id string, m SessionMetrics) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET
		lines_written = ?, tests_written = ?, tests_passing = ?, docs_updated = ?, velocity_score = ?
		WHERE id = ?`,
		m.LinesWritten, m.TestsWritten, m.TestsPassing, m.DocsUpdated, m.VelocityScore, id)
	return storageErr(err)
}

// AddContextUsed increases context_used by delta. Usage is monotonic
// non-decreasing while the session is active; negative deltas are rejected by
// callers before they reach the store.
func AddContextUsed(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET context_used = context_used + ? WHERE id = ?`, delta, id)
	return storageErr(err)
}

// SetContextUsed pins context_used to an absolute value (checkpoint sync).
func SetContextUsed(ctx context.Context, tx *sql.Tx, id string, used int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET context_used = ? WHERE id = ?`, used, id)
	return storageErr(err)
}

// SessionsInRange returns a project's sessions that started inside [from, to).
func (s *Store) SessionsInRange(ctx context.Context, project string, from, to time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE project_name = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time ASC`, project, from, to)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		sessions = append(sessions, session)
	}
	return sessions, storageErr(rows.Err())
}
