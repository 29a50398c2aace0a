package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitCancelled = 2
)

// =============================================================================
// Run Report
// =============================================================================

// RemediationRecord is one remediation decision taken for a job.
type RemediationRecord struct {
	Category     FailureCategory    `json:"category"`
	Outcome      RemediationOutcome `json:"outcome"`
	Reason       string             `json:"reason,omitempty"`
	DeploymentID string             `json:"deployment_id,omitempty"`
}

// JobReport is everything that happened to one job during a run.
type JobReport struct {
	JobID        string              `json:"job_id"`
	JobName      string              `json:"job_name"`
	Outcome      JobOutcome          `json:"outcome"`
	Attempts     []DeploymentAttempt `json:"attempts"`
	Remediations []RemediationRecord `json:"remediations,omitempty"`
	Transitions  []Transition        `json:"transitions,omitempty"`
	Polls        int                 `json:"polls"`
	Elapsed      time.Duration       `json:"elapsed"`
}

// ContainerStatus is one container seen in the runtime snapshot.
type ContainerStatus struct {
	Name    string `json:"name"`
	Service string `json:"service"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Running bool   `json:"running"`
}

// RunReport is the result of one controller run.
type RunReport struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	VerifyOnly bool      `json:"verify_only"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Jobs []JobReport `json:"jobs"`

	// Health is nil when verification did not run.
	Health *HealthReport `json:"health,omitempty"`

	// SkippedVerification explains why Health is nil.
	SkippedVerification string `json:"skipped_verification,omitempty"`

	Containers []ContainerStatus `json:"containers,omitempty"`

	// Cancelled is set when the operator interrupted the run.
	Cancelled bool `json:"cancelled"`
}

// NewRunReport starts a report with a fresh run ID.
func NewRunReport(project string, verifyOnly bool) *RunReport {
	return &RunReport{
		ID:         uuid.New().String(),
		Project:    project,
		VerifyOnly: verifyOnly,
		StartedAt:  time.Now().UTC(),
	}
}

// Mode is "verify" for verify-only runs and "deploy" otherwise.
func (r *RunReport) Mode() string {
	if r.VerifyOnly {
		return "verify"
	}
	return "deploy"
}

// FailedJobs counts jobs that did not end in Success.
func (r *RunReport) FailedJobs() int {
	n := 0
	for _, j := range r.Jobs {
		if j.Outcome.Kind != OutcomeSuccess {
			n++
		}
	}
	return n
}

// AllJobsSucceeded reports whether every job ended in Success.
func (r *RunReport) AllJobsSucceeded() bool {
	return r.FailedJobs() == 0
}

// ExitCode maps the report to the process exit code: 2 when cancelled, 1 when
// any job failed or timed out or the fleet is unhealthy, 0 otherwise.
// HealthyWithWarnings exits 0.
func (r *RunReport) ExitCode() int {
	if r.Cancelled {
		return ExitCancelled
	}
	for _, j := range r.Jobs {
		if j.Outcome.Kind == OutcomeCancelled {
			return ExitCancelled
		}
	}
	if !r.AllJobsSucceeded() {
		return ExitFailure
	}
	if r.Health != nil && r.Health.Verdict == VerdictUnhealthy {
		return ExitFailure
	}
	return ExitOK
}

// Verdict returns the health verdict, or "" when verification did not run.
func (r *RunReport) Verdict() Verdict {
	if r.Health == nil {
		return ""
	}
	return r.Health.Verdict
}
