package agents

import (
	"context"
	"fmt"
)

// SessionOrchestratorAgent watches budget consumption and nudges the operator
// toward checkpoints at the 30/50/70% thresholds, escalating to an emergency
// checkpoint at 85%.
type SessionOrchestratorAgent struct{}

func NewSessionOrchestratorAgent() *SessionOrchestratorAgent {
	return &SessionOrchestratorAgent{}
}

func (a *SessionOrchestratorAgent) Name() string           { return "session_orchestrator" }
func (a *SessionOrchestratorAgent) Priority() Priority     { return PriorityHigh }
func (a *SessionOrchestratorAgent) BudgetPercent() float64 { return 20 }

func (a *SessionOrchestratorAgent) IsActive(ctx Context) bool {
	return ctx.ContextUsagePercent >= 25
}

func (a *SessionOrchestratorAgent) Execute(ctx context.Context, actx Context) ([]Suggestion, error) {
	usage := actx.ContextUsagePercent

	if usage >= 85 {
		return []Suggestion{{
			AgentName: a.Name(),
			Kind:      "emergency_checkpoint",
			Priority:  PriorityCritical,
			Title:     "create emergency checkpoint",
			Body: fmt.Sprintf("context usage at %.0f%% of budget; checkpoint now to avoid losing progress",
				usage),
			SuggestedToolCall: &ToolCall{
				Name:   "session_checkpoint",
				Params: map[string]any{"session_id": actx.SessionID, "force": true},
			},
			Confidence: 0.95,
		}}, nil
	}

	var threshold float64
	priority := PriorityMedium
	switch {
	case usage >= 70:
		threshold, priority = 70, PriorityHigh
	case usage >= 50:
		threshold = 50
	case usage >= 30:
		threshold = 30
	default:
		return nil, nil
	}

	return []Suggestion{{
		AgentName: a.Name(),
		Kind:      "checkpoint",
		Priority:  priority,
		Title:     "consider a checkpoint",
		Body: fmt.Sprintf("context usage crossed %.0f%% (now %.0f%%); a checkpoint preserves progress in phase %s",
			threshold, usage, actx.CurrentPhase),
		SuggestedToolCall: &ToolCall{
			Name:   "session_checkpoint",
			Params: map[string]any{"session_id": actx.SessionID},
		},
		Confidence: 0.7 + threshold/100*0.3,
	}}, nil
}
