package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/store"
)

// agentTimeout bounds each agent's wall clock per run.
const agentTimeout = 200 * time.Millisecond

// maxBudgetPercent caps the combined context share of all registered agents.
const maxBudgetPercent = 50.0

// Orchestrator runs the registered agents sequentially in priority order.
// Runs are serialized per session; different sessions may run concurrently.
type Orchestrator struct {
	store   *store.Store
	obs     *observe.Registry
	logger  logging.Logger
	symbols *SymbolRegistry

	mu     sync.Mutex
	agents []Agent
	health map[string]*Health
	budget float64

	sessionsMu sync.Mutex
	sessions   map[string]*sync.Mutex
}

// NewOrchestrator creates an empty orchestrator. Agents register afterwards.
func NewOrchestrator(st *store.Store, obs *observe.Registry, symbols *SymbolRegistry, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		obs:      obs,
		logger:   logging.OrNop(logger),
		symbols:  symbols,
		health:   make(map[string]*Health),
		sessions: make(map[string]*sync.Mutex),
	}
}

// Symbols exposes the shared symbol registry.
func (o *Orchestrator) Symbols() *SymbolRegistry {
	return o.symbols
}

// Register adds an agent. Registration fails when the combined budget share
// would exceed the cap, or the name is taken.
func (o *Orchestrator) Register(agent Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.health[agent.Name()]; exists {
		return sterrors.Conflict("agent %q already registered", agent.Name())
	}
	if o.budget+agent.BudgetPercent() > maxBudgetPercent {
		return sterrors.InvalidState(
			"registering %q would raise total agent budget to %.1f%%, above the %.0f%% cap",
			agent.Name(), o.budget+agent.BudgetPercent(), maxBudgetPercent)
	}

	o.budget += agent.BudgetPercent()
	o.agents = append(o.agents, agent)
	sort.SliceStable(o.agents, func(i, j int) bool {
		return o.agents[i].Priority().rank() < o.agents[j].Priority().rank()
	})
	o.health[agent.Name()] = &Health{Enabled: true}
	o.logger.Info("registered agent %s (priority %s, %.0f%% budget)",
		agent.Name(), agent.Priority(), agent.BudgetPercent())
	return nil
}

// RegisterDefaults installs the built-in roster.
func (o *Orchestrator) RegisterDefaults() error {
	for _, agent := range []Agent{
		NewSymbolContractor(o.symbols),
		NewSessionOrchestratorAgent(),
		NewContextGuardian(o.store),
	} {
		if err := o.Register(agent); err != nil {
			return err
		}
	}
	return nil
}

// RunResult is the agent_run output.
type RunResult struct {
	SessionID   string       `json:"session_id"`
	ProjectID   string       `json:"project_id"`
	Suggestions []Suggestion `json:"suggestions"`
	AgentsRun   []string     `json:"agents_run"`
	Skipped     []string     `json:"skipped"`
}

// Run executes the roster against a session. Agents run strictly in
// non-increasing priority order, one at a time; a timed-out or failing agent
// is skipped and the run continues.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*RunResult, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	actx := Context{
		SessionID:           session.ID,
		ProjectID:           session.Project,
		CurrentPhase:        string(session.Phase),
		ContextUsagePercent: session.UsagePercent(),
		Timestamp:           time.Now().UTC(),
	}

	o.mu.Lock()
	roster := make([]Agent, len(o.agents))
	copy(roster, o.agents)
	o.mu.Unlock()

	result := &RunResult{SessionID: session.ID, ProjectID: session.Project}
	for _, agent := range roster {
		health := o.healthFor(agent.Name())
		if !health.enabled() || !agent.IsActive(actx) {
			result.Skipped = append(result.Skipped, agent.Name())
			continue
		}

		suggestions, err := o.runOne(ctx, agent, health, actx)
		result.AgentsRun = append(result.AgentsRun, agent.Name())
		if err != nil {
			o.logger.Warn("agent %s failed: %v", agent.Name(), err)
			continue
		}
		result.Suggestions = append(result.Suggestions, suggestions...)
		o.recordDecision(ctx, agent, actx, suggestions)
	}

	o.enqueueActionable(ctx, result)
	if len(result.Suggestions) > 0 {
		o.publish(result)
	}
	return result, nil
}

// runOne executes a single agent under the wall-clock bound.
func (o *Orchestrator) runOne(ctx context.Context, agent Agent, health *Health, actx Context) ([]Suggestion, error) {
	runCtx, cancel := context.WithTimeout(ctx, agentTimeout)
	defer cancel()

	type outcome struct {
		suggestions []Suggestion
		err         error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		suggestions, err := agent.Execute(runCtx, actx)
		done <- outcome{suggestions: suggestions, err: err}
	}()

	select {
	case out := <-done:
		health.recordRun(time.Since(start))
		if out.err != nil {
			health.recordError(out.err)
			return nil, out.err
		}
		return out.suggestions, nil
	case <-runCtx.Done():
		health.recordRun(time.Since(start))
		health.recordTimeout()
		return nil, sterrors.Timeout("agent %s exceeded %s", agent.Name(), agentTimeout)
	}
}

// recordDecision appends to the decision log. Best-effort: a logging failure
// never fails the run.
func (o *Orchestrator) recordDecision(ctx context.Context, agent Agent, actx Context, suggestions []Suggestion) {
	decision := "no suggestions"
	if len(suggestions) > 0 {
		decision = suggestions[0].Title
		if len(suggestions) > 1 {
			decision = fmt.Sprintf("%s (+%d more)", decision, len(suggestions)-1)
		}
	}
	err := o.store.InsertAgentDecision(ctx, &store.AgentDecision{
		AgentName:    agent.Name(),
		ActionType:   "agent_run",
		InputContext: fmt.Sprintf("phase=%s usage=%.0f%%", actx.CurrentPhase, actx.ContextUsagePercent),
		DecisionMade: decision,
		Worked:       true,
		ProjectID:    actx.ProjectID,
		SessionID:    actx.SessionID,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("decision log write failed for %s: %v", agent.Name(), err)
	}
}

// enqueueActionable turns suggestions bound to tool calls into pending tasks
// the operator can run later.
func (o *Orchestrator) enqueueActionable(ctx context.Context, result *RunResult) {
	for _, suggestion := range result.Suggestions {
		if suggestion.SuggestedToolCall == nil {
			continue
		}
		task := &store.AgentTask{
			ID:        uuid.NewString(),
			SessionID: result.SessionID,
			Status:    store.TaskPending,
			Priority:  3 - suggestion.Priority.rank(),
			Tool:      suggestion.SuggestedToolCall.Name,
			Params:    suggestion.SuggestedToolCall.Params,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.store.EnqueueAgentTask(ctx, task); err != nil {
			o.logger.Warn("task enqueue failed for %s: %v", suggestion.AgentName, err)
		}
	}
}

func (o *Orchestrator) publish(result *RunResult) {
	if o.obs == nil {
		return
	}
	_ = o.obs.Publish(observe.TopicAgentSuggestions, map[string]any{
		"suggestions": result.Suggestions,
		"session_id":  result.SessionID,
		"project_id":  result.ProjectID,
	})
}

// AgentStatus is one roster entry in the agent_status output.
type AgentStatus struct {
	Name          string     `json:"name"`
	Priority      Priority   `json:"priority"`
	BudgetPercent float64    `json:"budget_percent"`
	Health        HealthView `json:"health"`
}

// Status reports every agent's configuration and health counters.
func (o *Orchestrator) Status() []AgentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	statuses := make([]AgentStatus, 0, len(o.agents))
	for _, agent := range o.agents {
		statuses = append(statuses, AgentStatus{
			Name:          agent.Name(),
			Priority:      agent.Priority(),
			BudgetPercent: agent.BudgetPercent(),
			Health:        o.health[agent.Name()].view(),
		})
	}
	return statuses
}

// Toggle enables or disables an agent by name.
func (o *Orchestrator) Toggle(name string, enabled bool) error {
	o.mu.Lock()
	health, ok := o.health[name]
	o.mu.Unlock()
	if !ok {
		return sterrors.InvalidParameters(fmt.Sprintf("unknown agent %q", name), "agent")
	}
	health.setEnabled(enabled)
	o.logger.Info("agent %s enabled=%t", name, enabled)
	return nil
}

// QueryMemory reads the decision log.
func (o *Orchestrator) QueryMemory(ctx context.Context, filter store.DecisionFilter) ([]*store.AgentDecision, error) {
	return o.store.QueryAgentDecisions(ctx, filter)
}

// PendingTasks lists queued suggested tool calls.
func (o *Orchestrator) PendingTasks(ctx context.Context, limit int) ([]*store.AgentTask, error) {
	return o.store.PendingAgentTasks(ctx, limit)
}

func (o *Orchestrator) healthFor(name string) *Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health[name]
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.sessionsMu.Lock()
	defer o.sessionsMu.Unlock()
	lock, ok := o.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.sessions[sessionID] = lock
	}
	return lock
}
