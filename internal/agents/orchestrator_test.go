package agents

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	obs := observe.NewRegistry(logging.Nop())
	return NewOrchestrator(st, obs, NewSymbolRegistry(st), logging.Nop()), st
}

func seedAgentSession(t *testing.T, st *store.Store, budget, used int) *store.Session {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	session := &store.Session{
		ID:            uuid.NewString(),
		Project:       "demo",
		Kind:          store.KindFeature,
		StartTime:     now.Add(-10 * time.Minute),
		Phase:         store.PhaseImplementation,
		Status:        store.StatusActive,
		ContextBudget: budget,
		ContextUsed:   used,
	}
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureProject(ctx, tx, "demo", now); err != nil {
			return err
		}
		return store.InsertSession(ctx, tx, session)
	})
	require.NoError(t, err)
	return session
}

type stubAgent struct {
	name     string
	priority Priority
	budget   float64
	inactive bool
	exec     func(ctx context.Context, actx Context) ([]Suggestion, error)
}

func (a *stubAgent) Name() string           { return a.name }
func (a *stubAgent) Priority() Priority     { return a.priority }
func (a *stubAgent) BudgetPercent() float64 { return a.budget }
func (a *stubAgent) IsActive(Context) bool  { return !a.inactive }

func (a *stubAgent) Execute(ctx context.Context, actx Context) ([]Suggestion, error) {
	if a.exec == nil {
		return nil, nil
	}
	return a.exec(ctx, actx)
}

func TestRunDefaultRosterAtThirtyPercent(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	require.NoError(t, orch.RegisterDefaults())
	session := seedAgentSession(t, st, 10000, 3000)
	ctx := context.Background()

	result, err := orch.Run(ctx, session.ID)
	require.NoError(t, err)

	// Contractor (critical) runs first and finds nothing in an empty registry;
	// the guardian stays dormant below 40%.
	assert.Equal(t, []string{"symbol_contractor", "session_orchestrator"}, result.AgentsRun)
	assert.Equal(t, []string{"context_guardian"}, result.Skipped)

	require.Len(t, result.Suggestions, 1)
	s := result.Suggestions[0]
	assert.Equal(t, "session_orchestrator", s.AgentName)
	assert.Equal(t, PriorityMedium, s.Priority)
	assert.Equal(t, "consider a checkpoint", s.Title)
	require.NotNil(t, s.SuggestedToolCall)
	assert.Equal(t, "session_checkpoint", s.SuggestedToolCall.Name)
	assert.Equal(t, session.ID, s.SuggestedToolCall.Params["session_id"])

	// The actionable suggestion lands in the task queue at medium priority.
	tasks, err := orch.PendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "session_checkpoint", tasks[0].Tool)
	assert.Equal(t, 1, tasks[0].Priority)
}

func TestRunEmergencyAtHighUsage(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	require.NoError(t, orch.RegisterDefaults())
	session := seedAgentSession(t, st, 10000, 8600)

	result, err := orch.Run(context.Background(), session.ID)
	require.NoError(t, err)

	kinds := make(map[string]Priority)
	for _, s := range result.Suggestions {
		kinds[s.Kind] = s.Priority
	}
	assert.Equal(t, PriorityCritical, kinds["emergency_checkpoint"])
	assert.Equal(t, PriorityCritical, kinds["exhaustion_risk"])
	assert.Empty(t, result.Skipped)
}

func TestRegisterBudgetCap(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	require.NoError(t, orch.RegisterDefaults()) // 45% combined

	err := orch.Register(&stubAgent{name: "heavy", priority: PriorityLow, budget: 10})
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidState))

	// A small agent still fits under the cap.
	require.NoError(t, orch.Register(&stubAgent{name: "light", priority: PriorityLow, budget: 5}))
}

func TestRegisterDuplicateName(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	require.NoError(t, orch.Register(&stubAgent{name: "dup", priority: PriorityLow, budget: 1}))
	err := orch.Register(&stubAgent{name: "dup", priority: PriorityHigh, budget: 1})
	assert.True(t, sterrors.Is(err, sterrors.CodeConflict))
}

func TestRunPriorityOrder(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	session := seedAgentSession(t, st, 10000, 1000)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context, Context) ([]Suggestion, error) {
		return func(context.Context, Context) ([]Suggestion, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	// Registered out of order on purpose.
	require.NoError(t, orch.Register(&stubAgent{name: "low", priority: PriorityLow, budget: 1, exec: record("low")}))
	require.NoError(t, orch.Register(&stubAgent{name: "critical", priority: PriorityCritical, budget: 1, exec: record("critical")}))
	require.NoError(t, orch.Register(&stubAgent{name: "medium", priority: PriorityMedium, budget: 1, exec: record("medium")}))
	require.NoError(t, orch.Register(&stubAgent{name: "high", priority: PriorityHigh, budget: 1, exec: record("high")}))

	_, err := orch.Run(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "high", "medium", "low"}, order)
}

func TestRunSurvivesTimeout(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	session := seedAgentSession(t, st, 10000, 1000)

	require.NoError(t, orch.Register(&stubAgent{
		name: "sleeper", priority: PriorityCritical, budget: 1,
		exec: func(context.Context, Context) ([]Suggestion, error) {
			time.Sleep(3 * agentTimeout)
			return []Suggestion{{Title: "too late"}}, nil
		},
	}))
	require.NoError(t, orch.Register(&stubAgent{
		name: "prompt", priority: PriorityLow, budget: 1,
		exec: func(context.Context, Context) ([]Suggestion, error) {
			return []Suggestion{{AgentName: "prompt", Title: "on time"}}, nil
		},
	}))

	result, err := orch.Run(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sleeper", "prompt"}, result.AgentsRun)
	require.Len(t, result.Suggestions, 1)
	assert.Equal(t, "on time", result.Suggestions[0].Title)

	for _, status := range orch.Status() {
		if status.Name == "sleeper" {
			assert.Equal(t, int64(1), status.Health.Timeouts)
			assert.Equal(t, "execution timed out", status.Health.LastError)
		}
	}
}

func TestRunSurvivesPanic(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	session := seedAgentSession(t, st, 10000, 1000)

	require.NoError(t, orch.Register(&stubAgent{
		name: "panicky", priority: PriorityCritical, budget: 1,
		exec: func(context.Context, Context) ([]Suggestion, error) {
			panic("boom")
		},
	}))
	require.NoError(t, orch.Register(&stubAgent{name: "calm", priority: PriorityLow, budget: 1}))

	result, err := orch.Run(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"panicky", "calm"}, result.AgentsRun)
}

func TestToggleSkipsAgent(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	require.NoError(t, orch.RegisterDefaults())
	session := seedAgentSession(t, st, 10000, 3000)

	require.NoError(t, orch.Toggle("session_orchestrator", false))
	result, err := orch.Run(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Contains(t, result.Skipped, "session_orchestrator")
	assert.NotContains(t, result.AgentsRun, "session_orchestrator")

	err = orch.Toggle("nobody", true)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))
}

func TestRunWritesDecisionLog(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	require.NoError(t, orch.RegisterDefaults())
	session := seedAgentSession(t, st, 10000, 3000)
	ctx := context.Background()

	_, err := orch.Run(ctx, session.ID)
	require.NoError(t, err)

	decisions, err := orch.QueryMemory(ctx, store.DecisionFilter{AgentName: "session_orchestrator"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "consider a checkpoint", decisions[0].DecisionMade)
	assert.Equal(t, session.ID, decisions[0].SessionID)

	decisions, err = orch.QueryMemory(ctx, store.DecisionFilter{AgentName: "symbol_contractor"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "no suggestions", decisions[0].DecisionMade)
}

func TestRunMissingSession(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	_, err := orch.Run(context.Background(), "missing")
	assert.True(t, sterrors.Is(err, sterrors.CodeSessionNotFound))
}
