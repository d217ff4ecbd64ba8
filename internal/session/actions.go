package session

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"steward/internal/sterrors"
	"steward/internal/store"
)

//go:embed seeds.yaml
var seedActions []byte

type seedFile struct {
	Actions []struct {
		ID          string             `yaml:"id"`
		Name        string             `yaml:"name"`
		Description string             `yaml:"description"`
		UIGroup     string             `yaml:"ui_group"`
		Shortcut    string             `yaml:"shortcut"`
		Steps       []store.ActionStep `yaml:"steps"`
	} `yaml:"actions"`
}

// SeedQuickActions loads the built-in action definitions. Upserts preserve
// usage counters on rows that already exist.
func (m *Manager) SeedQuickActions(ctx context.Context) error {
	var file seedFile
	if err := yaml.Unmarshal(seedActions, &file); err != nil {
		return sterrors.Internal(fmt.Errorf("parse action seeds: %w", err))
	}
	for _, seed := range file.Actions {
		action := &store.QuickAction{
			ID:          seed.ID,
			Name:        seed.Name,
			Description: seed.Description,
			Steps:       seed.Steps,
			UIGroup:     seed.UIGroup,
			Shortcut:    seed.Shortcut,
		}
		if err := m.store.UpsertQuickAction(ctx, action); err != nil {
			return err
		}
	}
	m.logger.Info("seeded %d quick actions", len(file.Actions))
	return nil
}

// StepResult is the outcome of one quick-action step.
type StepResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ExecuteQuickAction runs a stored tool sequence. Call params overlay each
// step's parameter template; the session id is injected where a step leaves
// it unset. Execution stops at the first error, returning the partial results
// alongside it.
func (m *Manager) ExecuteQuickAction(ctx context.Context, actionID string, params map[string]any, sessionID string) ([]StepResult, error) {
	if m.runner == nil {
		return nil, sterrors.Internal(fmt.Errorf("tool runner not wired"))
	}
	action, err := m.store.GetQuickAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := m.store.TouchQuickAction(ctx, actionID, m.now().UTC()); err != nil {
		return nil, err
	}

	var results []StepResult
	for _, step := range action.Steps {
		merged := make(map[string]any, len(step.Params)+len(params)+1)
		for key, value := range step.Params {
			merged[key] = value
		}
		for key, value := range params {
			merged[key] = value
		}
		if sessionID != "" {
			if _, ok := merged["session_id"]; !ok {
				merged["session_id"] = sessionID
			}
		}

		result, err := m.runner(ctx, step.Tool, merged)
		if err != nil {
			results = append(results, StepResult{Tool: step.Tool, Error: err.Error()})
			return results, err
		}
		results = append(results, StepResult{Tool: step.Tool, Result: result})
	}
	return results, nil
}

// ActionSuggestion is one suggest_actions entry.
type ActionSuggestion struct {
	ActionID   string  `json:"action_id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// SuggestActions ranks stored actions against the session's current state.
func (m *Manager) SuggestActions(ctx context.Context, sessionID string, limit int) ([]ActionSuggestion, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	actions, err := m.store.ListQuickActions(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	byID := make(map[string]*store.QuickAction, len(actions))
	for _, action := range actions {
		byID[action.ID] = action
	}

	var suggestions []ActionSuggestion
	if session.UsagePercent() > 50 {
		if action, ok := byID["create-checkpoint"]; ok {
			suggestions = append(suggestions, ActionSuggestion{
				ActionID:   action.ID,
				Name:       action.Name,
				Confidence: 0.9,
				Reason:     fmt.Sprintf("context usage at %.0f%% of budget", session.UsagePercent()),
			})
		}
	}
	if session.Phase == store.PhaseImplementation {
		if action, ok := byID["run-tests"]; ok {
			suggestions = append(suggestions, ActionSuggestion{
				ActionID:   action.ID,
				Name:       action.Name,
				Confidence: 0.7,
				Reason:     "implementation phase benefits from frequent test runs",
			})
		}
	}

	// Back-fill with frequently used actions not already suggested.
	seen := make(map[string]bool, len(suggestions))
	for _, suggestion := range suggestions {
		seen[suggestion.ActionID] = true
	}
	for _, action := range actions {
		if len(suggestions) >= limit {
			break
		}
		if seen[action.ID] || action.UsageCount == 0 {
			continue
		}
		suggestions = append(suggestions, ActionSuggestion{
			ActionID:   action.ID,
			Name:       action.Name,
			Confidence: 0.4,
			Reason:     fmt.Sprintf("used %d times before", action.UsageCount),
		})
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions, nil
}
