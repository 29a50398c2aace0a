package health

import (
	"testing"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Aggregate Tests
// =============================================================================

func TestAggregate_MixedResults(t *testing.T) {
	results := []domain.ProbeResult{
		{Name: "api", Status: domain.ProbePassed, ObservedCode: 200},
		{Name: "web", Status: domain.ProbePassed, ObservedCode: 200},
		{Name: "admin", Status: domain.ProbePassed, ObservedCode: 200},
		{Name: "billing", Status: domain.ProbeWarned, ObservedCode: 500},
		{Name: "search", Status: domain.ProbeFailed, Error: "timeout"},
	}

	report := Aggregate(results, time.Now())

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Passed)
	assert.Equal(t, 1, report.Warned)
	assert.Equal(t, 1, report.Failed)
	assert.InDelta(t, 0.6, report.SuccessRate, 1e-9)
	assert.Equal(t, domain.VerdictUnhealthy, report.Verdict)
}

func TestAggregate_AllPassed(t *testing.T) {
	results := []domain.ProbeResult{
		{Name: "api", Status: domain.ProbePassed},
		{Name: "db", Status: domain.ProbePassed},
	}

	report := Aggregate(results, time.Now())

	assert.Equal(t, domain.VerdictAllHealthy, report.Verdict)
	assert.Equal(t, 1.0, report.SuccessRate)
}

func TestAggregate_Empty(t *testing.T) {
	report := Aggregate(nil, time.Now())

	assert.Equal(t, 0, report.Total)
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.Equal(t, domain.VerdictAllHealthy, report.Verdict)
}

func TestAggregate_OrdersByTierThenName(t *testing.T) {
	results := []domain.ProbeResult{
		{Name: "web", Tier: domain.TierFrontend, Status: domain.ProbePassed},
		{Name: "redis", Tier: domain.TierInfrastructure, Status: domain.ProbePassed},
		{Name: "api", Tier: domain.TierBackend, Status: domain.ProbePassed},
		{Name: "postgres", Tier: domain.TierInfrastructure, Status: domain.ProbePassed},
		{Name: "misc", Status: domain.ProbePassed},
	}

	report := Aggregate(results, time.Now())

	names := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"postgres", "redis", "api", "web", "misc"}, names)
}

func TestAggregate_DoesNotMutateInput(t *testing.T) {
	results := []domain.ProbeResult{
		{Name: "b", Status: domain.ProbePassed},
		{Name: "a", Status: domain.ProbePassed},
	}

	Aggregate(results, time.Now())

	assert.Equal(t, "b", results[0].Name)
}

// =============================================================================
// Verdict Tests
// =============================================================================

func TestDetermineVerdict(t *testing.T) {
	tests := []struct {
		name     string
		failed   int
		warned   int
		expected domain.Verdict
	}{
		{"clean", 0, 0, domain.VerdictAllHealthy},
		{"warnings only", 0, 2, domain.VerdictHealthyWithWarnings},
		{"failure", 1, 0, domain.VerdictUnhealthy},
		{"failure and warnings", 1, 3, domain.VerdictUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetermineVerdict(tt.failed, tt.warned))
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	probe := domain.ServiceProbe{Name: "web", Kind: domain.ProbeHTTP, Target: "http://x"}

	assert.Equal(t, domain.ProbePassed, ClassifyHTTPStatus(probe, 200))
	assert.Equal(t, domain.ProbePassed, ClassifyHTTPStatus(probe, 302))
	assert.Equal(t, domain.ProbeWarned, ClassifyHTTPStatus(probe, 404))

	probe.ExpectedStatusCodes = []int{204}
	assert.Equal(t, domain.ProbeWarned, ClassifyHTTPStatus(probe, 200))
	assert.Equal(t, domain.ProbePassed, ClassifyHTTPStatus(probe, 204))
}

func TestByTier(t *testing.T) {
	report := Aggregate([]domain.ProbeResult{
		{Name: "api", Tier: domain.TierBackend, Status: domain.ProbePassed},
		{Name: "worker", Tier: domain.TierBackend, Status: domain.ProbeFailed},
		{Name: "web", Tier: domain.TierFrontend, Status: domain.ProbePassed},
	}, time.Now())

	grouped := ByTier(report)

	assert.Len(t, grouped[domain.TierBackend], 2)
	assert.Len(t, grouped[domain.TierFrontend], 1)
	assert.Empty(t, grouped[domain.TierInfrastructure])
}
