package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Job Errors
// =============================================================================

var (
	ErrJobIDRequired    = errors.New("job id is required")
	ErrJobNameRequired  = errors.New("job name is required")
	ErrSourceIncomplete = errors.New("source reference requires repository and path")
)

// =============================================================================
// Job State
// =============================================================================

// JobState is the normalized lifecycle state of a deployment job.
type JobState string

const (
	StateUnknown      JobState = "unknown"
	StateQueued       JobState = "queued"
	StateBuilding     JobState = "building"
	StateRunningSteps JobState = "running_steps"
	StateDone         JobState = "done"
	StateError        JobState = "error"
	StateCancelled    JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// IsActive reports whether work is queued or in progress.
func (s JobState) IsActive() bool {
	return s == StateQueued || s == StateBuilding || s == StateRunningSteps
}

// NormalizeState maps the control plane's status vocabulary onto JobState.
// Unrecognized values become StateUnknown rather than an error; the poller keeps
// polling through them.
func NormalizeState(raw string) JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle", "queued", "pending":
		return StateQueued
	case "building":
		return StateBuilding
	case "running", "running_steps", "deploying":
		return StateRunningSteps
	case "done", "success":
		return StateDone
	case "error", "failed":
		return StateError
	case "cancelled", "canceled", "aborted", "killed":
		return StateCancelled
	default:
		return StateUnknown
	}
}

// =============================================================================
// Source Reference
// =============================================================================

// SourceRef locates the compose definition a job deploys from.
type SourceRef struct {
	Repository string `json:"repository" yaml:"repository"`
	Branch     string `json:"branch" yaml:"branch"`
	Path       string `json:"path" yaml:"path"`
}

// Validate checks that the reference can be handed to the control plane.
func (s SourceRef) Validate() error {
	if strings.TrimSpace(s.Repository) == "" || strings.TrimSpace(s.Path) == "" {
		return ErrSourceIncomplete
	}
	return nil
}

// WithPath returns a copy of the reference pointing at a different path.
func (s SourceRef) WithPath(path string) SourceRef {
	s.Path = path
	return s
}

func (s SourceRef) String() string {
	branch := s.Branch
	if branch == "" {
		branch = "HEAD"
	}
	return fmt.Sprintf("%s@%s:%s", s.Repository, branch, s.Path)
}

// =============================================================================
// Deployment Job
// =============================================================================

// DeploymentJob is one deployable unit: a named group of services sharing a
// compose definition on the control plane.
type DeploymentJob struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ProjectID        string    `json:"project_id,omitempty"`
	Source           SourceRef `json:"source"`
	State            JobState  `json:"state"`
	LastDeploymentID string    `json:"last_deployment_id,omitempty"`
}

// JobSpec is what an operator supplies to register a new job.
type JobSpec struct {
	Name        string
	ProjectID   string
	Description string
	Source      SourceRef
}

// Validate checks a JobSpec before any control-plane call is made.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrJobNameRequired
	}
	if s.Source != (SourceRef{}) {
		return s.Source.Validate()
	}
	return nil
}

// Transition is a single observed state change of a job.
type Transition struct {
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	From       JobState  `json:"from"`
	To         JobState  `json:"to"`
	ObservedAt time.Time `json:"observed_at"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s: %s -> %s", t.JobName, t.From, t.To)
}
