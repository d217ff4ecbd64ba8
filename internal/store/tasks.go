package store

import (
	"context"

	"steward/internal/sterrors"
)

// EnqueueAgentTask stores a suggested follow-up produced by an advisory agent.
func (s *Store) EnqueueAgentTask(ctx context.Context, task *AgentTask) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_tasks
		(id, session_id, status, priority, tool, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, nullable(task.SessionID), task.Status, task.Priority,
		task.Tool, marshalJSON(task.Params), task.CreatedAt)
	return storageErr(err)
}

// PendingAgentTasks returns pending tasks, highest priority first.
func (s *Store) PendingAgentTasks(ctx context.Context, limit int) ([]*AgentTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(session_id, ''), status, priority,
		tool, params, created_at FROM agent_tasks
		WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		TaskPending, limit)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var tasks []*AgentTask
	for rows.Next() {
		var task AgentTask
		var params string
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Status, &task.Priority,
			&task.Tool, &params, &task.CreatedAt); err != nil {
			return nil, sterrors.Storage(err)
		}
		task.Params = unmarshalJSON[map[string]any](params)
		tasks = append(tasks, &task)
	}
	return tasks, storageErr(rows.Err())
}

// CompleteAgentTask marks a queued task done.
func (s *Store) CompleteAgentTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ? WHERE id = ?`, TaskDone, id)
	return storageErr(err)
}
