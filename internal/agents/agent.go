// Package agents runs the advisory pipeline: small bounded procedures that
// read session context and emit prioritized suggestions. Agents never mutate
// sessions; their only durable output is the append-only decision log and the
// symbol registry.
package agents

import (
	"context"
	"sync"
	"time"
)

// Priority ranks agents and their suggestions.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank orders priorities for the orchestrator; lower runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Context is the read-only view an agent executes against.
type Context struct {
	SessionID           string    `json:"session_id"`
	ProjectID           string    `json:"project_id"`
	CurrentPhase        string    `json:"current_phase"`
	ContextUsagePercent float64   `json:"context_usage_percent"`
	Timestamp           time.Time `json:"timestamp"`
}

// ToolCall is the optional actionable binding on a suggestion.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Suggestion is one agent recommendation.
type Suggestion struct {
	AgentName         string    `json:"agent_name"`
	Kind              string    `json:"kind"`
	Priority          Priority  `json:"priority"`
	Title             string    `json:"title"`
	Body              string    `json:"body"`
	SuggestedToolCall *ToolCall `json:"suggested_tool_call,omitempty"`
	Confidence        float64   `json:"confidence"`
}

// Agent is one advisory procedure. Execute must finish inside the
// orchestrator's wall-clock bound; unbounded I/O is not allowed.
type Agent interface {
	Name() string
	Priority() Priority
	BudgetPercent() float64
	IsActive(ctx Context) bool
	Execute(ctx context.Context, actx Context) ([]Suggestion, error)
}

// Health is the per-agent counter block kept by the orchestrator.
type Health struct {
	mu        sync.Mutex
	Runs      int64
	Errors    int64
	Timeouts  int64
	TotalTime time.Duration
	LastError string
	Enabled   bool
}

// HealthView is a copyable snapshot of Health.
type HealthView struct {
	Runs      int64         `json:"runs"`
	Errors    int64         `json:"errors"`
	Timeouts  int64         `json:"timeouts"`
	TotalTime time.Duration `json:"total_time"`
	LastError string        `json:"last_error,omitempty"`
	Enabled   bool          `json:"enabled"`
}

func (h *Health) recordRun(elapsed time.Duration) {
	h.mu.Lock()
	h.Runs++
	h.TotalTime += elapsed
	h.mu.Unlock()
}

func (h *Health) recordError(err error) {
	h.mu.Lock()
	h.Errors++
	h.LastError = err.Error()
	h.mu.Unlock()
}

func (h *Health) recordTimeout() {
	h.mu.Lock()
	h.Timeouts++
	h.LastError = "execution timed out"
	h.mu.Unlock()
}

func (h *Health) setEnabled(enabled bool) {
	h.mu.Lock()
	h.Enabled = enabled
	h.mu.Unlock()
}

func (h *Health) enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Enabled
}

func (h *Health) view() HealthView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthView{
		Runs:      h.Runs,
		Errors:    h.Errors,
		Timeouts:  h.Timeouts,
		TotalTime: h.TotalTime,
		LastError: h.LastError,
		Enabled:   h.Enabled,
	}
}
