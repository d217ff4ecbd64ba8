// Package contextmon is the per-session token accountant: it records usage
// samples, derives trend and predictions, and publishes context.status after
// every durable write. It depends only on the store and the observable
// registry, never on the session manager.
package contextmon

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/store"
)

// Trend classifies recent usage growth.
type Trend string

const (
	TrendStable   Trend = "stable"
	TrendRising   Trend = "rising"
	TrendCritical Trend = "critical"
)

// Monitor tracks token usage for sessions.
type Monitor struct {
	store     *store.Store
	obs       *observe.Registry
	logger    logging.Logger
	estimator *Estimator
	now       func() time.Time
}

// New creates a monitor.
func New(st *store.Store, obs *observe.Registry, logger logging.Logger) *Monitor {
	return &Monitor{
		store:     st,
		obs:       obs,
		logger:    logging.OrNop(logger),
		estimator: &Estimator{},
		now:       time.Now,
	}
}

// Estimator exposes the task-cost estimator for other components.
func (m *Monitor) Estimator() *Estimator {
	return m.estimator
}

// TrackUsage appends a sample and bumps the session's context_used in one
// transaction. Duplicate rows under caller retries are permitted and counted.
func (m *Monitor) TrackUsage(ctx context.Context, sessionID string, phase store.Phase, tokens int, label string) error {
	if tokens <= 0 {
		return sterrors.InvalidParameters("tokens must be positive", "tokens")
	}
	if !phase.Valid() {
		return sterrors.InvalidParameters(fmt.Sprintf("unknown phase %q", phase), "phase")
	}

	var session *store.Session
	err := m.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = store.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return sterrors.InvalidState("session %s is %s; usage is frozen", sessionID, session.Status)
		}
		sample := &store.ContextSample{
			SessionID: sessionID,
			Timestamp: m.now().UTC(),
			Phase:     phase,
			Tokens:    tokens,
			Operation: label,
		}
		if err := store.InsertContextSample(ctx, tx, sample); err != nil {
			return err
		}
		return store.AddContextUsed(ctx, tx, sessionID, tokens)
	})
	if err != nil {
		return err
	}

	session.ContextUsed += tokens
	m.publishStatus(ctx, session)
	return nil
}

// Status is the live usage report for a session.
type Status struct {
	SessionID      string              `json:"session_id"`
	UsedTokens     int                 `json:"used_tokens"`
	TotalTokens    int                 `json:"total_tokens"`
	UsagePercent   float64             `json:"usage_percent"`
	PhaseBreakdown map[store.Phase]int `json:"phase_breakdown"`
	Trend          Trend               `json:"trend"`
	RecentRate     float64             `json:"recent_rate"` // tokens per minute, trailing 30m
}

// GetStatus computes the current usage report.
func (m *Monitor) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	breakdown, err := m.store.PhaseTotals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	samples, err := m.store.ListContextSamples(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	trend, rate := m.trend(session, samples)
	return &Status{
		SessionID:      sessionID,
		UsedTokens:     session.ContextUsed,
		TotalTokens:    session.ContextBudget,
		UsagePercent:   session.UsagePercent(),
		PhaseBreakdown: breakdown,
		Trend:          trend,
		RecentRate:     rate,
	}, nil
}

// trend classifies usage growth. Critical: the last five samples together
// exceed 20% of budget. Rising: the trailing-30-minute rate is more than twice
// the session's lifetime mean rate.
func (m *Monitor) trend(session *store.Session, samples []*store.ContextSample) (Trend, float64) {
	now := m.now().UTC()
	cutoff := now.Add(-30 * time.Minute)

	recentTokens := 0
	for _, sample := range samples {
		if sample.Timestamp.After(cutoff) {
			recentTokens += sample.Tokens
		}
	}
	recentRate := float64(recentTokens) / 30.0

	if session.ContextBudget > 0 && len(samples) >= 5 {
		lastFive := 0
		for _, sample := range samples[len(samples)-5:] {
			lastFive += sample.Tokens
		}
		if float64(lastFive) > 0.20*float64(session.ContextBudget) {
			return TrendCritical, recentRate
		}
	}

	elapsed := now.Sub(session.StartTime).Minutes()
	if elapsed > 1 {
		meanRate := float64(session.ContextUsed) / elapsed
		if meanRate > 0 && recentRate > 2*meanRate {
			return TrendRising, recentRate
		}
	}
	return TrendStable, recentRate
}

// Prediction is the capacity forecast for planned work.
type Prediction struct {
	RemainingCapacity       int      `json:"remaining_capacity"`
	RecommendedCheckpoint   bool     `json:"recommended_checkpoint"`
	TasksFeasible           []string `json:"tasks_feasible"`
	OptimizationSuggestions []string `json:"optimization_suggestions"`
}

// Predict forecasts whether planned tasks fit the remaining budget. A task is
// feasible when its heuristic cost fits in the capacity still unclaimed after
// earlier feasible tasks, minus a 10% safety margin.
func (m *Monitor) Predict(ctx context.Context, sessionID string, plannedTasks []string) (*Prediction, error) {
	status, err := m.GetStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remaining := status.TotalTokens - status.UsedTokens
	if remaining < 0 {
		remaining = 0
	}
	usable := float64(remaining) * 0.9

	var feasible []string
	claimed := 0.0
	for _, task := range plannedTasks {
		cost := float64(m.estimator.EstimateTask(task))
		if claimed+cost <= usable {
			feasible = append(feasible, task)
			claimed += cost
		}
	}

	pred := &Prediction{
		RemainingCapacity:     remaining,
		RecommendedCheckpoint: status.UsagePercent > 60 || status.Trend == TrendCritical,
		TasksFeasible:         feasible,
	}
	if status.UsagePercent > 50 {
		pred.OptimizationSuggestions = append(pred.OptimizationSuggestions,
			"create a checkpoint to preserve progress")
	}
	if len(feasible) < len(plannedTasks) {
		pred.OptimizationSuggestions = append(pred.OptimizationSuggestions,
			fmt.Sprintf("%d of %d planned tasks exceed remaining capacity; split or defer them",
				len(plannedTasks)-len(feasible), len(plannedTasks)))
	}
	if status.Trend != TrendStable {
		pred.OptimizationSuggestions = append(pred.OptimizationSuggestions,
			"usage trend is "+string(status.Trend)+"; reduce context per operation")
	}
	return pred, nil
}

// strategy is one optimization step, cheapest and safest first.
type strategy struct {
	name     string
	fraction float64 // of current used tokens
	highRisk bool
	effect   string
}

var strategies = []strategy{
	{"remove_comments", 0.05, false, "inline commentary removed from working context"},
	{"consolidate_imports", 0.02, false, "duplicate import context merged"},
	{"drop_low_priority_context", 0.10, false, "least-recently-referenced context dropped"},
	{"summarize_prior_conversation", 0.20, true, "earlier conversation replaced by a summary"},
}

// Optimization reports what an optimize call did.
type Optimization struct {
	OptimizationsApplied []string `json:"optimizations_applied"`
	TokensSaved          int      `json:"tokens_saved"`
	SideEffects          []string `json:"side_effects"`
	NewCapacity          int      `json:"new_capacity"`
}

// Optimize estimates recoverable tokens by applying strategies in ascending
// risk order until the target is met. Recorded usage stays untouched so the
// sample ledger remains the single source of truth; NewCapacity is the
// projected headroom after the caller acts on the applied strategies.
func (m *Monitor) Optimize(ctx context.Context, sessionID string, targetReduction int, preserveFunctionality bool) (*Optimization, error) {
	if targetReduction <= 0 {
		return nil, sterrors.InvalidParameters("target_reduction must be positive", "target_reduction")
	}
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &Optimization{}
	for _, strat := range strategies {
		if result.TokensSaved >= targetReduction {
			break
		}
		if preserveFunctionality && strat.highRisk {
			continue
		}
		saved := int(float64(session.ContextUsed) * strat.fraction)
		if saved <= 0 {
			continue
		}
		result.OptimizationsApplied = append(result.OptimizationsApplied, strat.name)
		result.SideEffects = append(result.SideEffects, strat.effect)
		result.TokensSaved += saved
	}

	remaining := session.ContextBudget - session.ContextUsed
	if remaining < 0 {
		remaining = 0
	}
	result.NewCapacity = remaining + result.TokensSaved

	m.logger.Info("optimize session %s: %d tokens recoverable via %d strategies",
		sessionID, result.TokensSaved, len(result.OptimizationsApplied))
	return result, nil
}

// PeakUsage marks a sample that dominated its neighbourhood.
type PeakUsage struct {
	Timestamp time.Time   `json:"timestamp"`
	Phase     store.Phase `json:"phase"`
	Tokens    int         `json:"tokens"`
	Operation string      `json:"operation"`
}

// Analytics is the aggregate usage picture for a session.
type Analytics struct {
	AveragePerPhase map[store.Phase]float64 `json:"average_per_phase"`
	PeakUsagePoints []PeakUsage             `json:"peak_usage_points"`
	EfficiencyScore float64                 `json:"efficiency_score"`
}

// Analyze aggregates a session's samples. The efficiency score compares work
// produced against tokens consumed, normalized to [0,100].
func (m *Monitor) Analyze(ctx context.Context, sessionID string) (*Analytics, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	samples, err := m.store.ListContextSamples(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sums := make(map[store.Phase]int)
	counts := make(map[store.Phase]int)
	mean := 0.0
	for _, sample := range samples {
		sums[sample.Phase] += sample.Tokens
		counts[sample.Phase]++
		mean += float64(sample.Tokens)
	}
	if len(samples) > 0 {
		mean /= float64(len(samples))
	}

	averages := make(map[store.Phase]float64, len(sums))
	for phase, sum := range sums {
		averages[phase] = float64(sum) / float64(counts[phase])
	}

	// Peaks: samples more than twice the mean.
	var peaks []PeakUsage
	for _, sample := range samples {
		if mean > 0 && float64(sample.Tokens) > 2*mean {
			peaks = append(peaks, PeakUsage{
				Timestamp: sample.Timestamp,
				Phase:     sample.Phase,
				Tokens:    sample.Tokens,
				Operation: sample.Operation,
			})
		}
	}

	return &Analytics{
		AveragePerPhase: averages,
		PeakUsagePoints: peaks,
		EfficiencyScore: efficiencyScore(session),
	}, nil
}

func efficiencyScore(session *store.Session) float64 {
	if session.ContextUsed <= 0 {
		return 100
	}
	// Lines produced per thousand tokens, scaled so that 10 lines/ktok = 100.
	produced := float64(session.Metrics.LinesWritten + session.Metrics.TestsWritten*2)
	score := produced / float64(session.ContextUsed) * 1000 * 10
	return math.Min(100, math.Max(0, score))
}

func (m *Monitor) publishStatus(ctx context.Context, session *store.Session) {
	if m.obs == nil {
		return
	}
	samples, err := m.store.ListContextSamples(ctx, session.ID)
	if err != nil {
		m.logger.Warn("context.status publish skipped: %v", err)
		return
	}
	trend, rate := m.trend(session, samples)
	_ = m.obs.Publish(observe.TopicContextStatus, map[string]any{
		"session_id":    session.ID,
		"used_tokens":   session.ContextUsed,
		"total_tokens":  session.ContextBudget,
		"usage_percent": session.UsagePercent(),
		"trend":         trend,
		"recent_rate":   rate,
	})
}

// PublishFor recomputes and publishes context.status for a session. The
// session manager calls this after budget-affecting transitions.
func (m *Monitor) PublishFor(ctx context.Context, sessionID string) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("context.status publish skipped: %v", err)
		return
	}
	m.publishStatus(ctx, session)
}
