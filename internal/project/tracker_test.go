package project

import (
	"context"
	"database/sql"
	"path/filepath"
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

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	obs := observe.NewRegistry(logging.Nop())
	return New(st, obs, logging.Nop()), st
}

type sessionSeed struct {
	project   string
	status    store.SessionStatus
	startedAt time.Time
	scope     store.Scope
	metrics   store.SessionMetrics
}

func seedTrackedSession(t *testing.T, st *store.Store, seed sessionSeed) *store.Session {
	t.Helper()
	ctx := context.Background()
	session := &store.Session{
		ID:            uuid.NewString(),
		Project:       seed.project,
		Kind:          store.KindFeature,
		StartTime:     seed.startedAt,
		Phase:         store.PhaseImplementation,
		Status:        seed.status,
		Scope:         seed.scope,
		ContextBudget: 10000,
	}
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureProject(ctx, tx, seed.project, seed.startedAt); err != nil {
			return err
		}
		if err := store.InsertSession(ctx, tx, session); err != nil {
			return err
		}
		return store.UpdateSessionMetrics(ctx, tx, session.ID, seed.metrics)
	})
	require.NoError(t, err)
	return session
}

func TestTrackAggregates(t *testing.T) {
	tracker, st := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := seedTrackedSession(t, st, sessionSeed{
		project: "aggr", status: store.StatusComplete, startedAt: now.Add(-2 * time.Hour),
		scope:   store.Scope{Lines: 1000},
		metrics: store.SessionMetrics{LinesWritten: 500, VelocityScore: 2.0},
	})
	seedTrackedSession(t, st, sessionSeed{
		project: "aggr", status: store.StatusActive, startedAt: now.Add(-time.Hour),
		scope:   store.Scope{Lines: 1000},
		metrics: store.SessionMetrics{LinesWritten: 300},
	})
	for i := 0; i < 2; i++ {
		require.NoError(t, st.InsertBlocker(ctx, &store.Blocker{
			ID: uuid.NewString(), SessionID: done.ID, ProjectTag: "aggr",
			Kind: store.BlockerTechnical, Description: "flaky build", Impact: 5,
			CreatedAt: now,
		}))
	}
	require.NoError(t, st.InsertBlocker(ctx, &store.Blocker{
		ID: uuid.NewString(), SessionID: done.ID, ProjectTag: "aggr",
		Kind: store.BlockerUnclearRequirement, Description: "ambiguous scope", Impact: 3,
		CreatedAt: now,
	}))

	project, err := tracker.Track(ctx, "aggr")
	require.NoError(t, err)
	assert.Equal(t, 1, project.SessionsCompleted)
	assert.Equal(t, 800, project.TotalLinesWritten)
	assert.InDelta(t, 2.0, project.AverageVelocity, 0.001)
	assert.InDelta(t, 0.4, project.CompletionRate, 0.001) // 800 of 2000 estimated
	assert.Equal(t, []string{"technical", "unclear_requirement"}, project.CommonBlockers)
}

func TestTrackRequiresName(t *testing.T) {
	tracker, _ := newTestTracker(t)
	_, err := tracker.Track(context.Background(), "")
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))
}

func TestAnalyzeVelocityTrends(t *testing.T) {
	now := time.Now().UTC()
	window := 30 * 24 * time.Hour

	cases := []struct {
		name        string
		recentLines int
		priorLines  int
		trend       VelocityTrend
	}{
		{"improving", 1200, 500, TrendImproving},
		{"declining", 100, 1000, TrendDeclining},
		{"stable", 500, 500, TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker, st := newTestTracker(t)
			tracker.now = func() time.Time { return now }

			seedTrackedSession(t, st, sessionSeed{
				project: "vel", status: store.StatusComplete,
				startedAt: now.Add(-5 * 24 * time.Hour),
				metrics:   store.SessionMetrics{LinesWritten: tc.recentLines},
			})
			seedTrackedSession(t, st, sessionSeed{
				project: "vel", status: store.StatusComplete,
				startedAt: now.Add(-20 * 24 * time.Hour),
				metrics:   store.SessionMetrics{LinesWritten: tc.priorLines},
			})

			analysis, err := tracker.AnalyzeVelocity(context.Background(), "vel", window)
			require.NoError(t, err)
			assert.Equal(t, tc.trend, analysis.Trend)
			// Half-window velocity in lines per day.
			assert.InDelta(t, float64(tc.recentLines)/15, analysis.CurrentVelocity, 0.001)
			assert.InDelta(t, float64(tc.recentLines+tc.priorLines)/30, analysis.AverageVelocity, 0.001)
		})
	}
}

func TestAnalyzeVelocityDecliningFactor(t *testing.T) {
	now := time.Now().UTC()
	tracker, st := newTestTracker(t)
	tracker.now = func() time.Time { return now }

	seedTrackedSession(t, st, sessionSeed{
		project: "vel", status: store.StatusComplete,
		startedAt: now.Add(-5 * 24 * time.Hour),
		metrics:   store.SessionMetrics{LinesWritten: 100},
	})
	seedTrackedSession(t, st, sessionSeed{
		project: "vel", status: store.StatusComplete,
		startedAt: now.Add(-20 * 24 * time.Hour),
		metrics:   store.SessionMetrics{LinesWritten: 1000},
	})

	analysis, err := tracker.AnalyzeVelocity(context.Background(), "vel", 0)
	require.NoError(t, err)
	assert.Equal(t, TrendDeclining, analysis.Trend)
	assert.Contains(t, analysis.Factors, "recent sessions produced fewer lines than the prior period")
}

func TestReportBlockerValidation(t *testing.T) {
	tracker, st := newTestTracker(t)
	ctx := context.Background()
	session := seedTrackedSession(t, st, sessionSeed{
		project: "demo", status: store.StatusActive, startedAt: time.Now().UTC(),
	})

	_, err := tracker.ReportBlocker(ctx, session.ID, store.BlockerKind("bogus"), "x", 5)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))

	_, err = tracker.ReportBlocker(ctx, session.ID, store.BlockerTechnical, "x", 11)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))

	_, err = tracker.ReportBlocker(ctx, "missing", store.BlockerTechnical, "x", 5)
	assert.True(t, sterrors.Is(err, sterrors.CodeSessionNotFound))
}

func TestReportBlockerOnCompletedSession(t *testing.T) {
	tracker, st := newTestTracker(t)
	ctx := context.Background()
	session := seedTrackedSession(t, st, sessionSeed{
		project: "demo", status: store.StatusComplete, startedAt: time.Now().UTC(),
	})

	_, err := tracker.ReportBlocker(ctx, session.ID, store.BlockerTechnical, "found after the fact", 5)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidState))

	// Nothing was persisted for the frozen session.
	blockers, err := st.ListBlockers(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, blockers)
}

func TestReportAndResolveBlocker(t *testing.T) {
	tracker, st := newTestTracker(t)
	ctx := context.Background()
	session := seedTrackedSession(t, st, sessionSeed{
		project: "demo", status: store.StatusActive, startedAt: time.Now().UTC(),
	})

	blocker, err := tracker.ReportBlocker(ctx, session.ID, store.BlockerExternal, "waiting on api keys", 7)
	require.NoError(t, err)
	assert.Equal(t, "demo", blocker.ProjectTag)
	assert.Equal(t, 7, blocker.Impact)

	time.Sleep(5 * time.Millisecond)
	resolved, err := tracker.ResolveBlocker(ctx, blocker.ID, "keys provisioned")
	require.NoError(t, err)
	assert.Equal(t, "keys provisioned", resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Greater(t, resolved.TimeToResolve, time.Duration(0))

	// A resolved blocker no longer counts as open.
	blockers, err := st.ListBlockers(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, blockers, 1)
	assert.NotNil(t, blockers[0].ResolvedAt)
}

func TestResolveBlockerMissing(t *testing.T) {
	tracker, _ := newTestTracker(t)
	_, err := tracker.ResolveBlocker(context.Background(), "missing", "n/a")
	assert.True(t, sterrors.Is(err, sterrors.CodeBlockerNotFound))
}

func TestGenerateReport(t *testing.T) {
	now := time.Now().UTC()
	tracker, st := newTestTracker(t)
	tracker.now = func() time.Time { return now }
	ctx := context.Background()

	done := seedTrackedSession(t, st, sessionSeed{
		project: "rep", status: store.StatusComplete,
		startedAt: now.Add(-10 * 24 * time.Hour),
		scope:     store.Scope{Lines: 1000},
		metrics:   store.SessionMetrics{LinesWritten: 400},
	})
	seedTrackedSession(t, st, sessionSeed{
		project: "rep", status: store.StatusActive,
		startedAt: now.Add(-24 * time.Hour),
		scope:     store.Scope{Lines: 500},
		metrics:   store.SessionMetrics{LinesWritten: 100},
	})
	require.NoError(t, st.InsertBlocker(ctx, &store.Blocker{
		ID: uuid.NewString(), SessionID: done.ID, ProjectTag: "rep",
		Kind: store.BlockerContext, Description: "lost handoff notes", Impact: 4,
		CreatedAt: now.Add(-3 * 24 * time.Hour),
	}))

	report, err := tracker.GenerateReport(ctx, "rep", 0, true)
	require.NoError(t, err)
	assert.Equal(t, "rep", report.Project)
	assert.Equal(t, 2, report.SessionsSummary.Total)
	assert.Equal(t, 1, report.SessionsSummary.ByStatus[store.StatusComplete])
	assert.Equal(t, 1, report.SessionsSummary.ByStatus[store.StatusActive])
	assert.Equal(t, 500, report.ProductivityMetrics.TotalLines)
	assert.InDelta(t, float64(500)/1500, report.ProductivityMetrics.CompletionRate, 0.001)
	assert.Equal(t, 1, report.BlockersSummary.Open)
	assert.Equal(t, 1, report.BlockersSummary.ByType[store.BlockerContext])

	require.NotNil(t, report.Predictions)
	assert.Contains(t, report.Predictions.RecommendedActions, "resolve 1 open blockers")
	assert.Contains(t, report.Predictions.RiskFactors, "open blockers slow delivery")
	assert.True(t, report.Predictions.EstimatedCompletion.After(now))
}

func TestGenerateReportWithoutPredictions(t *testing.T) {
	tracker, st := newTestTracker(t)
	seedTrackedSession(t, st, sessionSeed{
		project: "rep", status: store.StatusComplete, startedAt: time.Now().UTC(),
		scope:   store.Scope{Lines: 100},
		metrics: store.SessionMetrics{LinesWritten: 100},
	})
	report, err := tracker.GenerateReport(context.Background(), "rep", 0, false)
	require.NoError(t, err)
	assert.Nil(t, report.Predictions)
}
