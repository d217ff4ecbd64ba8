package agents

import (
	"context"
	"fmt"
	"time"

	"steward/internal/store"
)

// ContextGuardian classifies recent usage growth and recommends optimization
// strategies scaled to how aggressive the growth looks.
type ContextGuardian struct {
	store *store.Store
}

func NewContextGuardian(st *store.Store) *ContextGuardian {
	return &ContextGuardian{store: st}
}

func (a *ContextGuardian) Name() string           { return "context_guardian" }
func (a *ContextGuardian) Priority() Priority     { return PriorityMedium }
func (a *ContextGuardian) BudgetPercent() float64 { return 10 }

func (a *ContextGuardian) IsActive(ctx Context) bool {
	return ctx.ContextUsagePercent >= 40
}

func (a *ContextGuardian) Execute(ctx context.Context, actx Context) ([]Suggestion, error) {
	samples, err := a.store.SamplesSince(ctx, actx.SessionID, actx.Timestamp.Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	pattern := classifyPattern(samples)
	var suggestions []Suggestion

	if actx.ContextUsagePercent >= 80 {
		suggestions = append(suggestions, Suggestion{
			AgentName: a.Name(),
			Kind:      "exhaustion_risk",
			Priority:  PriorityCritical,
			Title:     "context exhaustion imminent",
			Body: fmt.Sprintf("usage at %.0f%% with a %s consumption pattern; checkpoint and aggressively reduce context",
				actx.ContextUsagePercent, pattern),
			SuggestedToolCall: &ToolCall{
				Name:   "context_optimize",
				Params: map[string]any{"session_id": actx.SessionID, "target_reduction": 5000},
			},
			Confidence: 0.9,
		})
	}

	switch pattern {
	case patternSpike:
		suggestions = append(suggestions, Suggestion{
			AgentName:  a.Name(),
			Kind:       "optimization",
			Priority:   PriorityMedium,
			Title:      "usage spiking",
			Body:       "single operations are consuming outsized token counts; split large operations and drop low-priority context",
			Confidence: 0.7,
		})
	case patternExponential:
		suggestions = append(suggestions, Suggestion{
			AgentName:  a.Name(),
			Kind:       "optimization",
			Priority:   PriorityHigh,
			Title:      "usage accelerating",
			Body:       "per-operation cost keeps growing; summarize earlier conversation before continuing",
			SuggestedToolCall: &ToolCall{
				Name:   "context_predict",
				Params: map[string]any{"session_id": actx.SessionID},
			},
			Confidence: 0.8,
		})
	}
	return suggestions, nil
}

const (
	patternSteady      = "steady"
	patternSpike       = "spike"
	patternExponential = "exponential"
)

// classifyPattern looks at the recent sample shape: a spike is one sample more
// than triple the mean; exponential is a strictly growing back half averaging
// over 1.5x the front half.
func classifyPattern(samples []*store.ContextSample) string {
	if len(samples) < 4 {
		return patternSteady
	}
	mean := 0.0
	for _, sample := range samples {
		mean += float64(sample.Tokens)
	}
	mean /= float64(len(samples))

	for _, sample := range samples {
		if float64(sample.Tokens) > 3*mean {
			return patternSpike
		}
	}

	mid := len(samples) / 2
	var front, back float64
	for _, sample := range samples[:mid] {
		front += float64(sample.Tokens)
	}
	for _, sample := range samples[mid:] {
		back += float64(sample.Tokens)
	}
	front /= float64(mid)
	back /= float64(len(samples) - mid)
	if front > 0 && back > 1.5*front {
		return patternExponential
	}
	return patternSteady
}
