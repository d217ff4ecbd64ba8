// Package session implements the session/checkpoint state machine and its
// token-budget accounting. The manager owns the lifecycle
// nonexistent → active → (active|checkpoint)* → (handoff|complete); the
// checkpoint state is momentary, entered only inside the checkpoint
// transaction.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"steward/internal/contextmon"
	"steward/internal/docengine"
	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/store"
	"steward/internal/vcs"
)

// Budget math constants. The budget is 1.2x the weighted scope estimate.
const (
	budgetSafety = 1.2
	costPerLine  = 10
	costPerTest  = 15
	costPerDoc   = 12
)

// Phase shares of the budget, planning:implementation:testing:documentation.
var phaseShares = map[store.Phase]float64{
	store.PhasePlanning:       0.10,
	store.PhaseImplementation: 0.50,
	store.PhaseTesting:        0.25,
	store.PhaseDocumentation:  0.15,
}

// CheckpointThresholds are the usage percentages at which a checkpoint is
// recommended.
var CheckpointThresholds = []int{35, 60, 70, 85}

const historyMaxLimit = 200

// ToolRunner executes a named tool with params. Injected after the dispatcher
// exists so quick actions can call back into the tool surface without a
// package cycle.
type ToolRunner func(ctx context.Context, tool string, params map[string]any) (any, error)

// Manager drives session lifecycle and budget accounting.
type Manager struct {
	store   *store.Store
	obs     *observe.Registry
	monitor *contextmon.Monitor
	docs    *docengine.Engine
	git     *vcs.Git
	logger  logging.Logger
	runner  ToolRunner
	now     func() time.Time
}

// New creates a manager. git may be nil (no VCS deployment).
func New(st *store.Store, obs *observe.Registry, monitor *contextmon.Monitor, docs *docengine.Engine, git *vcs.Git, logger logging.Logger) *Manager {
	return &Manager{
		store:   st,
		obs:     obs,
		monitor: monitor,
		docs:    docs,
		git:     git,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// SetToolRunner wires the dispatcher in after startup.
func (m *Manager) SetToolRunner(runner ToolRunner) {
	m.runner = runner
}

// DeriveBudget computes the token budget for a scope.
func DeriveBudget(scope store.Scope) int {
	weighted := scope.Lines*costPerLine + scope.Tests*costPerTest + scope.Docs*costPerDoc
	return int(math.Ceil(budgetSafety * float64(weighted)))
}

// PhaseAllocations splits a budget across phases.
func PhaseAllocations(budget int) map[store.Phase]int {
	allocations := make(map[store.Phase]int, len(phaseShares))
	for phase, share := range phaseShares {
		allocations[phase] = int(float64(budget) * share)
	}
	return allocations
}

// phaseForUsage recomputes the working phase from usage percent:
// <10 planning, <60 implementation, <85 testing, else documentation.
func phaseForUsage(percent float64) store.Phase {
	switch {
	case percent < 10:
		return store.PhasePlanning
	case percent < 60:
		return store.PhaseImplementation
	case percent < 85:
		return store.PhaseTesting
	default:
		return store.PhaseDocumentation
	}
}

// StartResult is the session_start output.
type StartResult struct {
	Session          *store.Session      `json:"session"`
	PhaseAllocations map[store.Phase]int `json:"phase_allocations"`
	Thresholds       []int               `json:"checkpoint_thresholds"`
}

// Start creates a session with its derived budget, checkpoint 0 and the
// project row, all in one transaction.
func (m *Manager) Start(ctx context.Context, project string, kind store.SessionKind, scope store.Scope, budgetOverride int) (*StartResult, error) {
	var fields []string
	if project == "" {
		fields = append(fields, "project")
	}
	if !kind.Valid() {
		fields = append(fields, "kind")
	}
	if scope.Lines < 0 || scope.Tests < 0 || scope.Docs < 0 {
		fields = append(fields, "scope")
	}
	if len(fields) > 0 {
		return nil, sterrors.InvalidParameters("invalid session parameters", fields...)
	}

	budget := budgetOverride
	if budget <= 0 {
		budget = DeriveBudget(scope)
	}

	now := m.now().UTC()
	session := &store.Session{
		ID:                  uuid.NewString(),
		Project:             project,
		Kind:                kind,
		StartTime:           now,
		EstimatedCompletion: now.Add(estimateDuration(budget)),
		Phase:               store.PhasePlanning,
		Status:              store.StatusActive,
		Scope:               scope,
		ContextBudget:       budget,
	}
	genesis := &store.Checkpoint{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Number:    0,
		CreatedAt: now,
		Continuation: store.ContinuationPlan{
			Phase:           store.PhasePlanning,
			RemainingBudget: budget,
			NextSteps:       []string{"plan the work"},
		},
	}

	err := m.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureProject(ctx, tx, project, now); err != nil {
			return err
		}
		if err := store.InsertSession(ctx, tx, session); err != nil {
			return err
		}
		return store.InsertCheckpoint(ctx, tx, genesis)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("session %s started for %s (%s, budget %d tokens)",
		session.ID, project, kind, budget)
	m.publishSession(session)
	m.monitor.PublishFor(ctx, session.ID)

	return &StartResult{
		Session:          session,
		PhaseAllocations: PhaseAllocations(budget),
		Thresholds:       CheckpointThresholds,
	}, nil
}

// estimateDuration is a rough wall-clock estimate from the token budget.
func estimateDuration(budget int) time.Duration {
	hours := float64(budget) / 6000
	if hours < 1 {
		hours = 1
	}
	return time.Duration(hours * float64(time.Hour))
}

// CheckpointMetricsInput is the caller-reported progress at a checkpoint.
type CheckpointMetricsInput struct {
	Lines              int     `json:"lines"`
	TestsPassing       int     `json:"tests_passing"`
	ContextUsedPercent float64 `json:"context_used_percent"`
}

// CheckpointResult is the session_checkpoint output.
type CheckpointResult struct {
	CheckpointID     string                  `json:"checkpoint_id"`
	Number           int                     `json:"number"`
	CommitHash       string                  `json:"commit_hash,omitempty"`
	Snapshot         store.CheckpointMetrics `json:"snapshot"`
	ContinuationPlan store.ContinuationPlan  `json:"continuation_plan"`
}

// Checkpoint records a durable progress snapshot. The reported usage percent
// pins the session's absolute context_used; the difference against the
// previously recorded usage is appended as a sample tagged with the
// recomputed phase. A commit message triggers a VCS commit first; commit
// failure aborts unless force, in which case the checkpoint is written
// without a hash.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, completed []string, metrics CheckpointMetricsInput, commitMessage string, force bool) (*CheckpointResult, error) {
	if metrics.ContextUsedPercent < 0 {
		return nil, sterrors.InvalidParameters("context_used_percent must be non-negative", "context_used_percent")
	}

	commitHash := ""
	if commitMessage != "" && m.git != nil && m.git.Available() {
		hash, err := m.git.Commit(ctx, commitMessage)
		if err != nil {
			if !force {
				return nil, err
			}
			m.logger.Warn("checkpoint commit failed, forcing without hash: %v", err)
		} else {
			commitHash = hash
		}
	}

	var result *CheckpointResult
	err := m.store.Tx(ctx, func(tx *sql.Tx) error {
		session, err := store.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != store.StatusActive {
			return sterrors.InvalidState("session %s is %s, checkpoint requires active",
				sessionID, session.Status)
		}
		// Momentary checkpoint state while the snapshot is assembled.
		if err := store.SetSessionStatus(ctx, tx, sessionID, store.StatusCheckpoint, nil); err != nil {
			return err
		}

		prior, err := store.LatestCheckpointTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		number := 0
		if prior != nil {
			number = prior.Number + 1
		}

		absolute := int(math.Floor(float64(session.ContextBudget) * metrics.ContextUsedPercent / 100))
		newPhase := phaseForUsage(metrics.ContextUsedPercent)
		delta := absolute - session.ContextUsed
		if delta > 0 {
			sample := &store.ContextSample{
				SessionID: sessionID,
				Timestamp: m.now().UTC(),
				Phase:     newPhase,
				Tokens:    delta,
				Operation: fmt.Sprintf("checkpoint %d", number),
			}
			if err := store.InsertContextSample(ctx, tx, sample); err != nil {
				return err
			}
			if err := store.SetContextUsed(ctx, tx, sessionID, absolute); err != nil {
				return err
			}
		}
		if err := store.UpdateSessionPhase(ctx, tx, sessionID, newPhase); err != nil {
			return err
		}

		updated := session.Metrics
		updated.LinesWritten = metrics.Lines
		updated.TestsPassing = metrics.TestsPassing
		if err := store.UpdateSessionMetrics(ctx, tx, sessionID, updated); err != nil {
			return err
		}

		remaining := session.ContextBudget - maxInt(absolute, session.ContextUsed)
		if remaining < 0 {
			remaining = 0
		}
		checkpoint := &store.Checkpoint{
			ID:                  uuid.NewString(),
			SessionID:           sessionID,
			Number:              number,
			CreatedAt:           m.now().UTC(),
			ContextUsed:         maxInt(absolute, session.ContextUsed),
			CommitHash:          commitHash,
			CompletedComponents: completed,
			Metrics: store.CheckpointMetrics{
				Lines:              metrics.Lines,
				TestsPassing:       metrics.TestsPassing,
				ContextUsedPercent: metrics.ContextUsedPercent,
			},
			Continuation: store.ContinuationPlan{
				NextSteps:       continuationSteps(newPhase, completed),
				Phase:           newPhase,
				RemainingBudget: remaining,
			},
		}
		if err := store.InsertCheckpoint(ctx, tx, checkpoint); err != nil {
			return err
		}
		if err := store.SetSessionStatus(ctx, tx, sessionID, store.StatusActive, nil); err != nil {
			return err
		}

		result = &CheckpointResult{
			CheckpointID:     checkpoint.ID,
			Number:           number,
			CommitHash:       commitHash,
			Snapshot:         checkpoint.Metrics,
			ContinuationPlan: checkpoint.Continuation,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("checkpoint %d recorded for session %s", result.Number, sessionID)
	m.publishFor(ctx, sessionID)
	m.monitor.PublishFor(ctx, sessionID)
	return result, nil
}

func continuationSteps(phase store.Phase, completed []string) []string {
	switch phase {
	case store.PhasePlanning:
		return []string{"finish planning and begin implementation"}
	case store.PhaseImplementation:
		if len(completed) > 0 {
			return []string{"continue implementation beyond " + completed[len(completed)-1]}
		}
		return []string{"continue implementation"}
	case store.PhaseTesting:
		return []string{"extend test coverage", "fix failures found"}
	default:
		return []string{"finish documentation and complete the session"}
	}
}

// HandoffResult is the session_handoff output.
type HandoffResult struct {
	HandoffDocument     string   `json:"handoff_document"`
	ContextRequirements []string `json:"context_requirements"`
	PrerequisiteChecks  []string `json:"prerequisite_checks"`
	NextSessionEstimate int      `json:"next_session_estimate"`
}

// Handoff closes a session terminally with a seed document for its successor.
// A final checkpoint is recorded first.
func (m *Manager) Handoff(ctx context.Context, sessionID string, nextGoals []string, includeContextDump bool) (*HandoffResult, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.StatusActive {
		return nil, sterrors.InvalidState("session %s is %s, handoff requires active",
			sessionID, session.Status)
	}

	_, err = m.Checkpoint(ctx, sessionID, []string{"handoff"}, CheckpointMetricsInput{
		Lines:              session.Metrics.LinesWritten,
		TestsPassing:       session.Metrics.TestsPassing,
		ContextUsedPercent: session.UsagePercent(),
	}, "", true)
	if err != nil {
		return nil, err
	}

	doc, err := m.docs.Generate(ctx, sessionID, docengine.KindHandoff, nil)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	err = m.store.Tx(ctx, func(tx *sql.Tx) error {
		return store.SetSessionStatus(ctx, tx, sessionID, store.StatusHandoff, &now)
	})
	if err != nil {
		return nil, err
	}

	remaining := session.ContextBudget - session.ContextUsed
	if remaining < 0 {
		remaining = 0
	}
	result := &HandoffResult{
		HandoffDocument: doc.Path,
		ContextRequirements: append([]string{
			fmt.Sprintf("project %s, session kind %s", session.Project, session.Kind),
			fmt.Sprintf("resume in phase %s", session.Phase),
		}, nextGoals...),
		PrerequisiteChecks: []string{
			"read the handoff document",
			"run a quick reality check before resuming",
		},
		NextSessionEstimate: estimateNextBudget(session, remaining),
	}
	if includeContextDump {
		result.ContextRequirements = append(result.ContextRequirements,
			fmt.Sprintf("context dump: %d/%d tokens used across phases", session.ContextUsed, session.ContextBudget))
	}

	session.Status = store.StatusHandoff
	session.EndTime = &now
	m.publishSession(session)
	m.logger.Info("session %s handed off (doc %s)", sessionID, doc.Path)
	return result, nil
}

// estimateNextBudget sizes the successor session from unfinished scope.
func estimateNextBudget(session *store.Session, remaining int) int {
	unfinishedLines := session.Scope.Lines - session.Metrics.LinesWritten
	if unfinishedLines <= 0 {
		return remaining
	}
	return DeriveBudget(store.Scope{Lines: unfinishedLines})
}

// Complete terminally closes a session and folds its results into the project
// aggregates in the same transaction.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*store.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, sterrors.InvalidState("session %s already %s", sessionID, session.Status)
	}

	siblings, err := m.store.ListSessions(ctx, session.Project, historyMaxLimit)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	velocity := velocityScore(session, now)

	err = m.store.Tx(ctx, func(tx *sql.Tx) error {
		metrics := session.Metrics
		metrics.VelocityScore = velocity
		if err := store.UpdateSessionMetrics(ctx, tx, sessionID, metrics); err != nil {
			return err
		}
		if err := store.SetSessionStatus(ctx, tx, sessionID, store.StatusComplete, &now); err != nil {
			return err
		}
		aggregate := completeAggregates(session, siblings, velocity)
		return store.UpdateProjectAggregates(ctx, tx, aggregate)
	})
	if err != nil {
		return nil, err
	}

	session.Status = store.StatusComplete
	session.EndTime = &now
	session.Metrics.VelocityScore = velocity
	m.publishSession(session)
	m.logger.Info("session %s complete (velocity %.1f lines/day)", sessionID, velocity)
	return session, nil
}

// velocityScore is lines per elapsed day.
func velocityScore(session *store.Session, now time.Time) float64 {
	days := now.Sub(session.StartTime).Hours() / 24
	if days < 1.0/24 {
		days = 1.0 / 24
	}
	return float64(session.Metrics.LinesWritten) / days
}

// completeAggregates recomputes project statistics with this session counted
// as complete.
func completeAggregates(session *store.Session, siblings []*store.Session, velocity float64) *store.Project {
	p := &store.Project{Name: session.Project}
	var velocitySum float64
	var velocityCount int
	var estimated, actual int
	for _, sibling := range siblings {
		status := sibling.Status
		metrics := sibling.Metrics
		if sibling.ID == session.ID {
			status = store.StatusComplete
			metrics.VelocityScore = velocity
		}
		if status == store.StatusComplete {
			p.SessionsCompleted++
		}
		p.TotalLinesWritten += metrics.LinesWritten
		if metrics.VelocityScore > 0 {
			velocitySum += metrics.VelocityScore
			velocityCount++
		}
		estimated += sibling.Scope.Lines
		actual += metrics.LinesWritten
	}
	if velocityCount > 0 {
		p.AverageVelocity = velocitySum / float64(velocityCount)
	}
	if estimated > 0 {
		p.CompletionRate = float64(actual) / float64(estimated)
	}
	return p
}

// Status is a read-through session lookup.
func (m *Manager) Status(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// History lists sessions newest first. Limit defaults to 20, capped at 200.
func (m *Manager) History(ctx context.Context, project string, limit int) ([]*store.Session, error) {
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	return m.store.ListSessions(ctx, project, limit)
}

func (m *Manager) publishFor(ctx context.Context, sessionID string) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("session.status publish skipped: %v", err)
		return
	}
	m.publishSession(session)
}

func (m *Manager) publishSession(session *store.Session) {
	if m.obs == nil {
		return
	}
	_ = m.obs.Publish(observe.TopicSessionStatus, map[string]any{
		"session": session,
		"active":  session.Status == store.StatusActive,
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
