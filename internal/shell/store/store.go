package store

import (
	"context"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	// SaveRun records a finished run with its job outcomes and probe results.
	SaveRun(ctx context.Context, report *domain.RunReport) error

	GetRun(ctx context.Context, id string) (*RunSummary, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]RunSummary, error)
	ListJobOutcomes(ctx context.Context, runID string) ([]JobOutcomeRecord, error)
	ListProbeResults(ctx context.Context, runID string) ([]domain.ProbeResult, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Records
// =============================================================================

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Mode        string         `json:"mode"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	ExitCode    int            `json:"exit_code"`
	Verdict     domain.Verdict `json:"verdict,omitempty"`
	SuccessRate *float64       `json:"success_rate,omitempty"` // nil when verification did not run
	JobCount    int            `json:"job_count"`
	FailedJobs  int            `json:"failed_jobs"`
	Cancelled   bool           `json:"cancelled"`
}

// Duration is how long the run took.
func (r RunSummary) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobOutcomeRecord is one row of the job_outcomes table.
type JobOutcomeRecord struct {
	RunID        string                     `json:"run_id"`
	JobID        string                     `json:"job_id"`
	JobName      string                     `json:"job_name"`
	Outcome      domain.OutcomeKind         `json:"outcome"`
	Category     domain.FailureCategory     `json:"category,omitempty"`
	DeploymentID string                     `json:"deployment_id,omitempty"`
	Attempts     int                        `json:"attempts"`
	Remediations []domain.RemediationRecord `json:"remediations,omitempty"`
	Polls        int                        `json:"polls"`
	Elapsed      time.Duration              `json:"elapsed"`
	Error        string                     `json:"error,omitempty"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
