// Package health provides pure functions for fleet health aggregation.
// This package contains NO I/O.
package health

import (
	"sort"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
)

// =============================================================================
// Aggregation (Pure Functions)
// =============================================================================

// Aggregate builds a HealthReport from per-probe results.
// Results are ordered by tier, then name, so reports are stable across runs
// regardless of the order probes completed in.
func Aggregate(results []domain.ProbeResult, checkedAt time.Time) domain.HealthReport {
	sorted := make([]domain.ProbeResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := tierRank(sorted[i].Tier), tierRank(sorted[j].Tier)
		if ti != tj {
			return ti < tj
		}
		return sorted[i].Name < sorted[j].Name
	})

	report := domain.HealthReport{
		Results:   sorted,
		Total:     len(sorted),
		CheckedAt: checkedAt,
	}

	for _, r := range sorted {
		switch r.Status {
		case domain.ProbePassed:
			report.Passed++
		case domain.ProbeWarned:
			report.Warned++
		default:
			report.Failed++
		}
	}

	report.SuccessRate = SuccessRate(report.Passed, report.Total)
	report.Verdict = DetermineVerdict(report.Failed, report.Warned)
	return report
}

// SuccessRate returns passed/total. An empty probe set is vacuously healthy.
func SuccessRate(passed, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(passed) / float64(total)
}

// DetermineVerdict maps failure and warning counts to the overall verdict.
func DetermineVerdict(failed, warned int) domain.Verdict {
	if failed > 0 {
		return domain.VerdictUnhealthy
	}
	if warned > 0 {
		return domain.VerdictHealthyWithWarnings
	}
	return domain.VerdictAllHealthy
}

// ClassifyHTTPStatus decides a probe status from an HTTP response code.
func ClassifyHTTPStatus(probe domain.ServiceProbe, code int) domain.ProbeStatus {
	if probe.Expects(code) {
		return domain.ProbePassed
	}
	return domain.ProbeWarned
}

// ByTier groups results by tier, preserving report order.
func ByTier(report domain.HealthReport) map[domain.Tier][]domain.ProbeResult {
	grouped := make(map[domain.Tier][]domain.ProbeResult)
	for _, r := range report.Results {
		grouped[r.Tier] = append(grouped[r.Tier], r)
	}
	return grouped
}

func tierRank(t domain.Tier) int {
	for i, known := range domain.Tiers {
		if t == known {
			return i
		}
	}
	return len(domain.Tiers)
}
