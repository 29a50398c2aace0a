package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestReport(startedAt time.Time) *domain.RunReport {
	report := domain.NewRunReport("platform-staging", false)
	report.StartedAt = startedAt
	report.FinishedAt = startedAt.Add(3 * time.Minute)
	report.Jobs = []domain.JobReport{
		{
			JobID:   "c-infra",
			JobName: "infra",
			Outcome: domain.JobOutcome{Kind: domain.OutcomeSuccess},
			Attempts: []domain.DeploymentAttempt{
				{ID: "dep-1", JobID: "c-infra", Status: domain.StateDone},
			},
			Polls:   3,
			Elapsed: 90 * time.Second,
		},
		{
			JobID:   "c-backend",
			JobName: "backend",
			Outcome: domain.JobOutcome{Kind: domain.OutcomeSuccess},
			Attempts: []domain.DeploymentAttempt{
				{ID: "dep-2", JobID: "c-backend", Status: domain.StateError},
				{ID: "dep-3", JobID: "c-backend", Status: domain.StateDone},
			},
			Remediations: []domain.RemediationRecord{
				{
					Category:     domain.FailurePathNotFound,
					Outcome:      domain.RemediationApplied,
					Reason:       "compose path set to deploy/backend/docker-compose.yml",
					DeploymentID: "dep-3",
				},
			},
			Polls:   5,
			Elapsed: 150 * time.Second,
		},
	}
	health := domain.HealthReport{
		Results: []domain.ProbeResult{
			{Name: "postgres", Tier: domain.TierInfrastructure, Kind: domain.ProbeTCP, Target: "localhost:5432", Status: domain.ProbePassed, Latency: 2 * time.Millisecond},
			{Name: "api", Tier: domain.TierBackend, Kind: domain.ProbeHTTP, Target: "http://localhost:8080/health", Status: domain.ProbePassed, ObservedCode: 200, Latency: 15 * time.Millisecond},
		},
		Total:       2,
		Passed:      2,
		SuccessRate: 1,
		Verdict:     domain.VerdictAllHealthy,
		CheckedAt:   report.FinishedAt,
	}
	report.Health = &health
	return report
}

// =============================================================================
// Run Tests
// =============================================================================

func TestSaveRun_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	report := createTestReport(started)

	require.NoError(t, s.SaveRun(ctx, report))

	run, err := s.GetRun(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ID, run.ID)
	assert.Equal(t, "platform-staging", run.Project)
	assert.Equal(t, "deploy", run.Mode)
	assert.True(t, started.Equal(run.StartedAt))
	assert.Equal(t, 3*time.Minute, run.Duration())
	assert.Equal(t, domain.ExitOK, run.ExitCode)
	assert.Equal(t, domain.VerdictAllHealthy, run.Verdict)
	require.NotNil(t, run.SuccessRate)
	assert.Equal(t, 1.0, *run.SuccessRate)
	assert.Equal(t, 2, run.JobCount)
	assert.Equal(t, 0, run.FailedJobs)
	assert.False(t, run.Cancelled)

	jobs, err := s.ListJobOutcomes(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "infra", jobs[0].JobName)
	assert.Empty(t, jobs[0].Remediations)
	assert.Equal(t, "backend", jobs[1].JobName)
	assert.Equal(t, domain.OutcomeSuccess, jobs[1].Outcome)
	assert.Equal(t, 2, jobs[1].Attempts)
	assert.Equal(t, "dep-3", jobs[1].DeploymentID)
	assert.Equal(t, 150*time.Second, jobs[1].Elapsed)
	require.Len(t, jobs[1].Remediations, 1)
	assert.Equal(t, domain.RemediationApplied, jobs[1].Remediations[0].Outcome)

	probes, err := s.ListProbeResults(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, probes, 2)
	assert.Equal(t, "postgres", probes[0].Name)
	assert.Equal(t, domain.ProbeTCP, probes[0].Kind)
	assert.Equal(t, 200, probes[1].ObservedCode)
	assert.Equal(t, 15*time.Millisecond, probes[1].Latency)
}

func TestSaveRun_FailedJobWithoutVerification(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	report := domain.NewRunReport("platform", false)
	report.FinishedAt = report.StartedAt.Add(time.Minute)
	report.Jobs = []domain.JobReport{{
		JobID:   "c1",
		JobName: "frontend",
		Outcome: domain.JobOutcome{
			Kind:     domain.OutcomeFailure,
			Category: domain.FailureBuildFailed,
			Err:      errors.New("deployment dep-7 of frontend failed: build_failed"),
		},
	}}
	report.SkippedVerification = "1 job(s) did not succeed"

	require.NoError(t, s.SaveRun(ctx, report))

	run, err := s.GetRun(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitFailure, run.ExitCode)
	assert.Nil(t, run.SuccessRate)
	assert.Equal(t, domain.Verdict(""), run.Verdict)
	assert.Equal(t, 1, run.FailedJobs)

	jobs, err := s.ListJobOutcomes(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.FailureBuildFailed, jobs[0].Category)
	assert.Contains(t, jobs[0].Error, "build_failed")
	assert.Empty(t, jobs[0].DeploymentID)

	probes, err := s.ListProbeResults(ctx, report.ID)
	require.NoError(t, err)
	assert.Empty(t, probes)
}

func TestSaveRun_DuplicateID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	report := createTestReport(time.Now().UTC())

	require.NoError(t, s.SaveRun(ctx, report))
	err := s.SaveRun(ctx, report)
	assert.ErrorIs(t, err, ErrDuplicateID)

	// The failed save must not leave partial children behind.
	jobs, err := s.ListJobOutcomes(ctx, report.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestGetRun_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetRun", storeErr.Op)
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		report := createTestReport(base.Add(time.Duration(i) * time.Hour))
		require.NoError(t, s.SaveRun(ctx, report))
		ids = append(ids, report.ID)
	}

	runs, err := s.ListRuns(ctx, ListOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[4], runs[0].ID)
	assert.Equal(t, ids[3], runs[1].ID)
	assert.Equal(t, ids[2], runs[2].ID)

	runs, err = s.ListRuns(ctx, ListOptions{Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[0], runs[1].ID)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 20}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000}.Normalize())
	assert.Equal(t, ListOptions{Limit: 5}, ListOptions{Limit: 5, Offset: -1}.Normalize())
	assert.Equal(t, DefaultListOptions(), ListOptions{}.Normalize())
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestWithForeignKeys(t *testing.T) {
	tests := map[string]string{
		":memory:":                       ":memory:?_foreign_keys=on",
		"/var/lib/fleetpilot/runs.db":    "/var/lib/fleetpilot/runs.db?_foreign_keys=on",
		"file:runs.db?mode=rwc":          "file:runs.db?mode=rwc&_foreign_keys=on",
		"file:runs.db?_foreign_keys=off": "file:runs.db?_foreign_keys=off",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, withForeignKeys(dsn), dsn)
	}
}

func TestNewSQLiteStore_DSNWithQuery(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "runs.db") + "?mode=rwc&_busy_timeout=5000"
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	report := createTestReport(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveRun(ctx, report))

	runs, err := s.ListRuns(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.ID, runs[0].ID)

	var fk int
	require.NoError(t, s.db.Get(&fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)
}
