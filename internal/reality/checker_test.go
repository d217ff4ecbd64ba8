package reality

import (
	"context"
	"database/sql"
	"os"
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

func newTestChecker(t *testing.T) (*Checker, *store.Store, string) {
	t.Helper()
	workDir := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	obs := observe.NewRegistry(logging.Nop())
	checker := New(st, obs, nil, workDir, "", logging.Nop())
	return checker, st, workDir
}

func seedSessionWithCheckpoint(t *testing.T, st *store.Store, components []string, metrics store.SessionMetrics) *store.Session {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	session := &store.Session{
		ID:            uuid.NewString(),
		Project:       "demo",
		Kind:          store.KindFeature,
		StartTime:     now,
		Phase:         store.PhaseImplementation,
		Status:        store.StatusActive,
		ContextBudget: 10000,
		Metrics:       metrics,
	}
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureProject(ctx, tx, "demo", now); err != nil {
			return err
		}
		if err := store.InsertSession(ctx, tx, session); err != nil {
			return err
		}
		if err := store.UpdateSessionMetrics(ctx, tx, session.ID, metrics); err != nil {
			return err
		}
		return store.InsertCheckpoint(ctx, tx, &store.Checkpoint{
			ID:                  uuid.NewString(),
			SessionID:           session.ID,
			Number:              0,
			CreatedAt:           now,
			CompletedComponents: components,
		})
	})
	require.NoError(t, err)
	return session
}

func TestQuickCheckMissingFile(t *testing.T) {
	checker, st, workDir := newTestChecker(t)
	ctx := context.Background()

	// README present so only the missing claimed file is flagged.
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "README.md"), []byte("# demo\n"), 0o644))
	session := seedSessionWithCheckpoint(t, st,
		[]string{"src/managers/SessionManager.ts"}, store.SessionMetrics{})

	report, err := checker.PerformCheck(ctx, session.ID, CheckQuick, nil)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, store.DiscrepancyFileMismatch, d.Kind)
	assert.Equal(t, store.SeverityCritical, d.Severity)
	assert.Equal(t, "src/managers/SessionManager.ts", d.Location)
	assert.Equal(t, 80, report.ConfidenceScore)
	assert.Contains(t, report.Recommendations, "Address 1 critical issues before continuing")

	// The snapshot is durable.
	snapshot, err := st.GetRealitySnapshot(ctx, report.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 80, snapshot.Confidence)
}

func TestQuickCheckCleanTree(t *testing.T) {
	checker, st, workDir := newTestChecker(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "README.md"), []byte("# demo\n"), 0o644))
	session := seedSessionWithCheckpoint(t, st, []string{"src/main.go"}, store.SessionMetrics{})

	report, err := checker.PerformCheck(ctx, session.ID, CheckQuick, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, 100, report.ConfidenceScore)
	assert.Contains(t, report.Recommendations, "Reality matches claimed progress")
}

func TestCheckUnknownKind(t *testing.T) {
	checker, st, _ := newTestChecker(t)
	session := seedSessionWithCheckpoint(t, st, nil, store.SessionMetrics{})
	_, err := checker.PerformCheck(context.Background(), session.ID, CheckKind("bogus"), nil)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))
}

func TestCheckMissingSession(t *testing.T) {
	checker, _, _ := newTestChecker(t)
	_, err := checker.PerformCheck(context.Background(), "missing", CheckQuick, nil)
	assert.True(t, sterrors.Is(err, sterrors.CodeSessionNotFound))
}

func TestCheckOnCompletedSession(t *testing.T) {
	checker, st, _ := newTestChecker(t)
	ctx := context.Background()
	session := seedSessionWithCheckpoint(t, st, nil, store.SessionMetrics{})
	end := time.Now().UTC()
	require.NoError(t, st.Tx(ctx, func(tx *sql.Tx) error {
		return store.SetSessionStatus(ctx, tx, session.ID, store.StatusComplete, &end)
	}))

	_, err := checker.PerformCheck(ctx, session.ID, CheckQuick, nil)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidState))
}

func TestDocumentationGapWithoutReadme(t *testing.T) {
	checker, st, _ := newTestChecker(t)
	session := seedSessionWithCheckpoint(t, st, nil, store.SessionMetrics{})

	report, err := checker.PerformCheck(context.Background(), session.ID, CheckSpecific, []string{FocusDocs})
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, store.DiscrepancyDocumentationGap, d.Kind)
	assert.Equal(t, store.SeverityWarning, d.Severity)
	assert.True(t, d.AutoFixable)
	assert.Equal(t, 90, report.ConfidenceScore)
}

func TestConfidenceClampedAtZero(t *testing.T) {
	discrepancies := make([]store.Discrepancy, 6)
	for i := range discrepancies {
		discrepancies[i] = store.Discrepancy{Severity: store.SeverityCritical}
	}
	assert.Equal(t, 0, confidence(discrepancies))
	assert.Equal(t, 100, confidence(nil))
	// Adding discrepancies never raises the score.
	assert.LessOrEqual(t,
		confidence([]store.Discrepancy{{Severity: store.SeverityInfo}, {Severity: store.SeverityInfo}}),
		confidence([]store.Discrepancy{{Severity: store.SeverityInfo}}))
}

func TestValidateMetricsVariance(t *testing.T) {
	checker, st, _ := newTestChecker(t)
	session := seedSessionWithCheckpoint(t, st, nil, store.SessionMetrics{
		LinesWritten: 100,
		TestsPassing: 50,
	})

	exact := 100
	minor := 55 // 10% off 50
	major := 90 // 80% off 50
	checks, err := checker.ValidateMetrics(context.Background(), session.ID, ReportedMetrics{
		LinesWritten: &exact,
		TestsPassing: &minor,
		DocsUpdated:  &major,
	})
	require.NoError(t, err)
	require.Len(t, checks, 3)

	byName := make(map[string]MetricCheck, len(checks))
	for _, check := range checks {
		byName[check.Name] = check
	}
	assert.Equal(t, "accurate", byName["lines_written"].Status)
	assert.Equal(t, "minor_variance", byName["tests_passing"].Status)
	assert.Equal(t, "major_variance", byName["docs_updated"].Status)
	// docs_updated actual is 0; variance divides by max(actual, 1).
	assert.InDelta(t, 9000, byName["docs_updated"].VariancePercent, 0.01)
}

func TestValidateMetricsSkipsNilFields(t *testing.T) {
	checker, st, _ := newTestChecker(t)
	session := seedSessionWithCheckpoint(t, st, nil, store.SessionMetrics{})
	checks, err := checker.ValidateMetrics(context.Background(), session.ID, ReportedMetrics{})
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestApplyFixes(t *testing.T) {
	checker, st, workDir := newTestChecker(t)
	session := seedSessionWithCheckpoint(t, st, nil, store.SessionMetrics{})
	ctx := context.Background()

	// A docs-only check against an empty tree yields the auto-fixable README gap.
	report, err := checker.PerformCheck(ctx, session.ID, CheckSpecific, []string{FocusDocs})
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	fixID := report.Discrepancies[0].ID

	result, err := checker.ApplyFixes(ctx, report.SnapshotID, []string{fixID, "unknown-id"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{fixID}, result.Applied)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "unknown-id", result.Failed[0].ID)
	assert.FileExists(t, filepath.Join(workDir, "README.md"))
}

func TestApplyFixesUnknownSnapshot(t *testing.T) {
	checker, _, _ := newTestChecker(t)
	_, err := checker.ApplyFixes(context.Background(), "missing", nil, false)
	assert.True(t, sterrors.Is(err, sterrors.CodeSnapshotNotFound))
}

func TestDiscoverCommandPrecedence(t *testing.T) {
	dir := t.TempDir()
	runner := &testRunner{dir: dir}
	assert.Equal(t, "", runner.discoverCommand())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	assert.Equal(t, "go test ./...", runner.discoverCommand())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	assert.Equal(t, "npm test", runner.discoverCommand())

	runner.override = "just check"
	assert.Equal(t, "just check", runner.discoverCommand())
}

func TestParseTestCounts(t *testing.T) {
	output := "  12 passing (340ms)\n  2 failing\n"
	assert.Equal(t, 12, extractCount(passingRe, output))
	assert.Equal(t, 2, extractCount(failingRe, output))

	goOutput := "ok  \tsteward/internal/store\t0.3s\n--- FAIL: TestX (0.00s)\nFAIL\n"
	assert.Equal(t, 1, len(goPassRe.FindAllString(goOutput, -1)))
	assert.Equal(t, 2, len(goFailRe.FindAllString(goOutput, -1)))
}
