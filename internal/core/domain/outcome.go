package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Poll Outcome
// =============================================================================

// OutcomeKind is the terminal result of driving a job.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeTimeout   OutcomeKind = "timeout"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// JobOutcome is the terminal result for one job, as reported to the operator.
// Timeout is distinct from Failure: the deployment may still finish later.
type JobOutcome struct {
	Kind     OutcomeKind
	Category FailureCategory // set only for classified failures
	Attempt  *DeploymentAttempt
	Err      error // control-plane or conflict error that ended the job
}

func (o JobOutcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "Success"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeCancelled:
		return "Cancelled"
	case OutcomeFailure:
		if o.Category != "" {
			return fmt.Sprintf("Failure(%s)", o.Category)
		}
		if o.Err != nil {
			return fmt.Sprintf("Failure(%v)", o.Err)
		}
		return "Failure"
	default:
		return string(o.Kind)
	}
}

// MarshalJSON renders the outcome for reports. The attempt is omitted since
// reports carry every attempt separately.
func (o JobOutcome) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind     OutcomeKind     `json:"kind"`
		Category FailureCategory `json:"category,omitempty"`
		Error    string          `json:"error,omitempty"`
		Summary  string          `json:"summary"`
	}{
		Kind:     o.Kind,
		Category: o.Category,
		Summary:  o.String(),
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// PollTimeoutError describes a poller that gave up waiting for a terminal state.
type PollTimeoutError struct {
	JobName   string
	LastState JobState
	Waited    time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s still %s after %s", e.JobName, e.LastState, e.Waited.Round(time.Second))
}

// =============================================================================
// Remediation Outcome
// =============================================================================

// RemediationOutcome is what the remediation engine did with a classified failure.
type RemediationOutcome string

const (
	RemediationApplied       RemediationOutcome = "applied"
	RemediationNotApplicable RemediationOutcome = "not_applicable"
	RemediationFailed        RemediationOutcome = "failed"
)
