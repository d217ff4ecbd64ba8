package store

import (
	"context"

	"steward/internal/sterrors"
)

// InsertAgentDecision appends to the advisory decision log. Best-effort weak
// memory: no foreign key on session_id, so rows survive session churn.
func (s *Store) InsertAgentDecision(ctx context.Context, d *AgentDecision) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO agent_decisions
		(agent_name, action_type, input_context, decision_made, worked, project_id, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AgentName, d.ActionType, d.InputContext, d.DecisionMade, d.Worked,
		d.ProjectID, nullable(d.SessionID), d.Timestamp)
	if err != nil {
		return sterrors.Storage(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		d.ID = id
	}
	return nil
}

// DecisionFilter narrows an agent-memory query. Zero values match everything.
type DecisionFilter struct {
	AgentName  string
	ActionType string
	ProjectID  string
	Limit      int
}

// QueryAgentDecisions returns decision rows newest first.
func (s *Store) QueryAgentDecisions(ctx context.Context, filter DecisionFilter) ([]*AgentDecision, error) {
	query := `SELECT id, agent_name, action_type, input_context, decision_made, worked,
		project_id, COALESCE(session_id, ''), timestamp FROM agent_decisions WHERE 1=1`
	var args []any
	if filter.AgentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, filter.AgentName)
	}
	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, filter.ActionType)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var decisions []*AgentDecision
	for rows.Next() {
		var d AgentDecision
		if err := rows.Scan(&d.ID, &d.AgentName, &d.ActionType, &d.InputContext,
			&d.DecisionMade, &d.Worked, &d.ProjectID, &d.SessionID, &d.Timestamp); err != nil {
			return nil, sterrors.Storage(err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, storageErr(rows.Err())
}
