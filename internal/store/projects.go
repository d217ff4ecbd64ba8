package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"steward/internal/sterrors"
)

const projectColumns = `name, sessions_completed, total_lines_written, average_velocity,
	completion_rate, common_blockers, tech_stack, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	var blockers, stack string
	err := row.Scan(&p.Name, &p.SessionsCompleted, &p.TotalLinesWritten, &p.AverageVelocity,
		&p.CompletionRate, &blockers, &stack, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CommonBlockers = unmarshalJSON[[]string](blockers)
	p.TechStack = unmarshalJSON[[]string](stack)
	return &p, nil
}

// EnsureProject creates the project row if missing. Projects are created
// implicitly on first session and never deleted.
func EnsureProject(ctx context.Context, tx *sql.Tx, name string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects (name, created_at, updated_at)
		VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`, name, now, now)
	return storageErr(err)
}

// GetProject loads a project by name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.SessionNotFound("project " + name)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return project, nil
}

// UpdateProjectAggregates overwrites the derived statistics columns inside tx.
func UpdateProjectAggregates(ctx context.Context, tx *sql.Tx, p *Project) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET
		sessions_completed = ?, total_lines_written = ?, average_velocity = ?,
		completion_rate = ?, common_blockers = ?, tech_stack = ?, updated_at = ?
		WHERE name = ?`,
		p.SessionsCompleted, p.TotalLinesWritten, p.AverageVelocity, p.CompletionRate,
		marshalJSON(p.CommonBlockers), marshalJSON(p.TechStack), time.Now().UTC(), p.Name)
	return storageErr(err)
}

// ListProjects returns every project row.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		projects = append(projects, project)
	}
	return projects, storageErr(rows.Err())
}
