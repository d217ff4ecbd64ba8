// Package project maintains cross-session aggregates: velocity analysis,
// blocker bookkeeping and progress reports.
package project

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/store"
)

// aggregateWindow bounds how many recent sessions feed the project row.
const aggregateWindow = 50

// Tracker owns project-level statistics.
type Tracker struct {
	store  *store.Store
	obs    *observe.Registry
	logger logging.Logger
	now    func() time.Time
}

// New creates a tracker.
func New(st *store.Store, obs *observe.Registry, logger logging.Logger) *Tracker {
	return &Tracker{store: st, obs: obs, logger: logging.OrNop(logger), now: time.Now}
}

// Track upserts the project row and recomputes aggregates from its recent
// sessions, then publishes project.status.
func (t *Tracker) Track(ctx context.Context, projectName string) (*store.Project, error) {
	if projectName == "" {
		return nil, sterrors.InvalidParameters("project name required", "project")
	}
	sessions, err := t.store.ListSessions(ctx, projectName, aggregateWindow)
	if err != nil {
		return nil, err
	}
	blockers, err := t.store.ListBlockers(ctx, projectName)
	if err != nil {
		return nil, err
	}

	aggregate := buildAggregate(projectName, sessions, blockers)
	err = t.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureProject(ctx, tx, projectName, t.now().UTC()); err != nil {
			return err
		}
		return store.UpdateProjectAggregates(ctx, tx, aggregate)
	})
	if err != nil {
		return nil, err
	}

	project, err := t.store.GetProject(ctx, projectName)
	if err != nil {
		return nil, err
	}
	t.publishStatus(project)
	return project, nil
}

func buildAggregate(name string, sessions []*store.Session, blockers []*store.Blocker) *store.Project {
	p := &store.Project{Name: name}
	var velocitySum float64
	var velocityCount int
	var estimated, actual int
	for _, session := range sessions {
		if session.Status == store.StatusComplete {
			p.SessionsCompleted++
		}
		p.TotalLinesWritten += session.Metrics.LinesWritten
		if session.Metrics.VelocityScore > 0 {
			velocitySum += session.Metrics.VelocityScore
			velocityCount++
		}
		estimated += session.Scope.Lines
		actual += session.Metrics.LinesWritten
	}
	if velocityCount > 0 {
		p.AverageVelocity = velocitySum / float64(velocityCount)
	}
	if estimated > 0 {
		p.CompletionRate = float64(actual) / float64(estimated)
	}
	p.CommonBlockers = commonBlockerKinds(blockers)
	return p
}

// commonBlockerKinds returns blocker kinds by descending frequency.
func commonBlockerKinds(blockers []*store.Blocker) []string {
	counts := make(map[string]int)
	for _, b := range blockers {
		counts[string(b.Kind)]++
	}
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if counts[kinds[i]] != counts[kinds[j]] {
			return counts[kinds[i]] > counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

// VelocityTrend classifies recent velocity against the prior window.
type VelocityTrend string

const (
	TrendImproving VelocityTrend = "improving"
	TrendStable    VelocityTrend = "stable"
	TrendDeclining VelocityTrend = "declining"
)

// VelocityAnalysis is the analyze_velocity result.
type VelocityAnalysis struct {
	CurrentVelocity float64       `json:"current_velocity"`
	AverageVelocity float64       `json:"average_velocity"`
	Trend           VelocityTrend `json:"trend"`
	Factors         []string      `json:"factors"`
}

// AnalyzeVelocity measures lines per elapsed day across the window (default
// 30 days), splitting it in half to judge the trend with ±20% bands.
func (t *Tracker) AnalyzeVelocity(ctx context.Context, projectName string, window time.Duration) (*VelocityAnalysis, error) {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	now := t.now().UTC()
	sessions, err := t.store.SessionsInRange(ctx, projectName, now.Add(-window), now)
	if err != nil {
		return nil, err
	}

	mid := now.Add(-window / 2)
	var recent, prior []*store.Session
	for _, session := range sessions {
		if session.StartTime.Before(mid) {
			prior = append(prior, session)
		} else {
			recent = append(recent, session)
		}
	}

	recentVelocity := linesPerDay(recent, window/2)
	priorVelocity := linesPerDay(prior, window/2)
	average := linesPerDay(sessions, window)

	analysis := &VelocityAnalysis{
		CurrentVelocity: recentVelocity,
		AverageVelocity: average,
		Trend:           TrendStable,
	}
	switch {
	case priorVelocity == 0 && recentVelocity > 0:
		analysis.Trend = TrendImproving
	case priorVelocity > 0 && recentVelocity > priorVelocity*1.2:
		analysis.Trend = TrendImproving
	case priorVelocity > 0 && recentVelocity < priorVelocity*0.8:
		analysis.Trend = TrendDeclining
	}

	analysis.Factors = velocityFactors(ctx, t, projectName, sessions, analysis.Trend)
	t.publishVelocity(projectName, analysis)
	return analysis, nil
}

func linesPerDay(sessions []*store.Session, span time.Duration) float64 {
	days := span.Hours() / 24
	if days <= 0 {
		return 0
	}
	total := 0
	for _, session := range sessions {
		total += session.Metrics.LinesWritten
	}
	return float64(total) / days
}

func velocityFactors(ctx context.Context, t *Tracker, projectName string, sessions []*store.Session, trend VelocityTrend) []string {
	var factors []string
	blockers, err := t.store.ListBlockers(ctx, projectName)
	if err == nil {
		open := 0
		for _, b := range blockers {
			if b.ResolvedAt == nil {
				open++
			}
		}
		if open > 0 {
			factors = append(factors, fmt.Sprintf("%d open blockers", open))
		}
	}
	incomplete := 0
	for _, session := range sessions {
		if session.Status == store.StatusActive || session.Status == store.StatusHandoff {
			incomplete++
		}
	}
	if incomplete > 0 {
		factors = append(factors, fmt.Sprintf("%d sessions still in flight", incomplete))
	}
	if trend == TrendDeclining && len(factors) == 0 {
		factors = append(factors, "recent sessions produced fewer lines than the prior period")
	}
	return factors
}

// ReportBlocker records a new blocker for a session.
func (t *Tracker) ReportBlocker(ctx context.Context, sessionID string, kind store.BlockerKind, description string, impact int) (*store.Blocker, error) {
	if !kind.Valid() {
		return nil, sterrors.InvalidParameters(fmt.Sprintf("unknown blocker kind %q", kind), "kind")
	}
	if impact < 0 || impact > 10 {
		return nil, sterrors.InvalidParameters("impact must be in [0,10]", "impact")
	}
	session, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, sterrors.InvalidState("session %s is %s; blockers are closed", sessionID, session.Status)
	}

	blocker := &store.Blocker{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		ProjectTag:  session.Project,
		Kind:        kind,
		Description: description,
		Impact:      impact,
		CreatedAt:   t.now().UTC(),
	}
	if err := t.store.InsertBlocker(ctx, blocker); err != nil {
		return nil, err
	}
	t.logger.Info("blocker %s reported on session %s (%s, impact %d)",
		blocker.ID, sessionID, kind, impact)
	return blocker, nil
}

// ResolveBlocker closes a blocker with resolution text.
func (t *Tracker) ResolveBlocker(ctx context.Context, blockerID, resolution string) (*store.Blocker, error) {
	blocker, err := t.store.ResolveBlocker(ctx, blockerID, resolution, t.now().UTC())
	if err != nil {
		return nil, err
	}
	t.logger.Info("blocker %s resolved after %s", blockerID, blocker.TimeToResolve)
	return blocker, nil
}

// Report is the generate_report output.
type Report struct {
	Project            string              `json:"project"`
	GeneratedAt        time.Time           `json:"generated_at"`
	SessionsSummary    SessionsSummary     `json:"sessions_summary"`
	VelocityAnalysis   *VelocityAnalysis   `json:"velocity_analysis"`
	BlockersSummary    BlockersSummary     `json:"blockers_summary"`
	ProductivityMetrics ProductivityMetrics `json:"productivity_metrics"`
	Predictions        *Predictions        `json:"predictions,omitempty"`
}

type SessionsSummary struct {
	Total    int                         `json:"total"`
	ByStatus map[store.SessionStatus]int `json:"by_status"`
}

type BlockersSummary struct {
	Total  int                       `json:"total"`
	Open   int                       `json:"open"`
	ByType map[store.BlockerKind]int `json:"by_type"`
}

type ProductivityMetrics struct {
	TotalLines       int     `json:"total_lines"`
	AverageVelocity  float64 `json:"average_velocity"`
	CompletionRate   float64 `json:"completion_rate"`
	MeanResolveHours float64 `json:"mean_resolve_hours"`
}

type Predictions struct {
	EstimatedCompletion time.Time `json:"estimated_completion_ts"`
	RecommendedActions  []string  `json:"recommended_actions"`
	RiskFactors         []string  `json:"risk_factors"`
}

// GenerateReport assembles the full project report, optionally with forward
// predictions derived from current velocity.
func (t *Tracker) GenerateReport(ctx context.Context, projectName string, timeRange time.Duration, includePredictions bool) (*Report, error) {
	if timeRange <= 0 {
		timeRange = 90 * 24 * time.Hour
	}
	now := t.now().UTC()
	sessions, err := t.store.SessionsInRange(ctx, projectName, now.Add(-timeRange), now)
	if err != nil {
		return nil, err
	}
	blockers, err := t.store.ListBlockers(ctx, projectName)
	if err != nil {
		return nil, err
	}
	velocity, err := t.AnalyzeVelocity(ctx, projectName, timeRange)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Project:          projectName,
		GeneratedAt:      now,
		VelocityAnalysis: velocity,
		SessionsSummary:  SessionsSummary{Total: len(sessions), ByStatus: make(map[store.SessionStatus]int)},
		BlockersSummary:  BlockersSummary{Total: len(blockers), ByType: make(map[store.BlockerKind]int)},
	}

	var estimated, actual int
	var resolveSum time.Duration
	var resolveCount int
	for _, session := range sessions {
		report.SessionsSummary.ByStatus[session.Status]++
		report.ProductivityMetrics.TotalLines += session.Metrics.LinesWritten
		estimated += session.Scope.Lines
		actual += session.Metrics.LinesWritten
	}
	for _, b := range blockers {
		report.BlockersSummary.ByType[b.Kind]++
		if b.ResolvedAt == nil {
			report.BlockersSummary.Open++
		} else {
			resolveSum += b.TimeToResolve
			resolveCount++
		}
	}
	report.ProductivityMetrics.AverageVelocity = velocity.AverageVelocity
	if estimated > 0 {
		report.ProductivityMetrics.CompletionRate = float64(actual) / float64(estimated)
	}
	if resolveCount > 0 {
		report.ProductivityMetrics.MeanResolveHours = resolveSum.Hours() / float64(resolveCount)
	}

	if includePredictions {
		report.Predictions = t.predict(report, estimated, actual, now)
	}
	return report, nil
}

func (t *Tracker) predict(report *Report, estimated, actual int, now time.Time) *Predictions {
	pred := &Predictions{}
	remaining := estimated - actual
	if remaining > 0 && report.VelocityAnalysis.CurrentVelocity > 0 {
		days := float64(remaining) / report.VelocityAnalysis.CurrentVelocity
		pred.EstimatedCompletion = now.Add(time.Duration(days * 24 * float64(time.Hour)))
	} else {
		pred.EstimatedCompletion = now
	}
	if report.BlockersSummary.Open > 0 {
		pred.RecommendedActions = append(pred.RecommendedActions,
			fmt.Sprintf("resolve %d open blockers", report.BlockersSummary.Open))
		pred.RiskFactors = append(pred.RiskFactors, "open blockers slow delivery")
	}
	if report.VelocityAnalysis.Trend == TrendDeclining {
		pred.RecommendedActions = append(pred.RecommendedActions, "investigate declining velocity")
		pred.RiskFactors = append(pred.RiskFactors, "velocity trend declining")
	}
	if len(pred.RecommendedActions) == 0 {
		pred.RecommendedActions = append(pred.RecommendedActions, "maintain current pace")
	}
	return pred
}

func (t *Tracker) publishStatus(project *store.Project) {
	if t.obs == nil {
		return
	}
	_ = t.obs.Publish(observe.TopicProjectStatus, map[string]any{
		"name":                project.Name,
		"sessions_completed":  project.SessionsCompleted,
		"total_lines_written": project.TotalLinesWritten,
		"average_velocity":    project.AverageVelocity,
		"completion_rate":     project.CompletionRate,
		"common_blockers":     project.CommonBlockers,
	})
}

func (t *Tracker) publishVelocity(projectName string, analysis *VelocityAnalysis) {
	if t.obs == nil {
		return
	}
	_ = t.obs.Publish(observe.TopicProjectVelocity, map[string]any{
		"project":          projectName,
		"current_velocity": analysis.CurrentVelocity,
		"average_velocity": analysis.AverageVelocity,
		"trend":            analysis.Trend,
		"factors":          analysis.Factors,
	})
}
