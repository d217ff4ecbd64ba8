package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"steward/internal/sterrors"
)

const actionColumns = `id, name, description, steps, ui_group, shortcut, usage_count, last_used`

func scanAction(row interface{ Scan(...any) error }) (*QuickAction, error) {
	var a QuickAction
	var steps string
	var lastUsed sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.Description, &steps, &a.UIGroup, &a.Shortcut,
		&a.UsageCount, &lastUsed)
	if err != nil {
		return nil, err
	}
	a.Steps = unmarshalJSON[[]ActionStep](steps)
	if lastUsed.Valid {
		t := lastUsed.Time
		a.LastUsed = &t
	}
	return &a, nil
}

// UpsertQuickAction inserts or refreshes a quick action definition. Usage
// counters on existing rows are preserved.
func (s *Store) UpsertQuickAction(ctx context.Context, a *QuickAction) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO quick_actions
		(id, name, description, steps, ui_group, shortcut, usage_count, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			steps = excluded.steps,
			ui_group = excluded.ui_group,
			shortcut = excluded.shortcut`,
		a.ID, a.Name, a.Description, marshalJSON(a.Steps), a.UIGroup, a.Shortcut,
		a.UsageCount, a.LastUsed)
	return storageErr(err)
}

// GetQuickAction loads an action by id.
func (s *Store) GetQuickAction(ctx context.Context, id string) (*QuickAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM quick_actions WHERE id = ?`, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.ActionNotFound(id)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return action, nil
}

// TouchQuickAction increments the usage counter and stamps last_used.
func (s *Store) TouchQuickAction(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quick_actions SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`, now, id)
	if err != nil {
		return sterrors.Storage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sterrors.ActionNotFound(id)
	}
	return nil
}

// ListQuickActions returns every stored action, most used first.
func (s *Store) ListQuickActions(ctx context.Context) ([]*QuickAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM quick_actions ORDER BY usage_count DESC, name`)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var actions []*QuickAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		actions = append(actions, action)
	}
	return actions, storageErr(rows.Err())
}
