package controlplane

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a job, project or deployment does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned when a deploy is triggered while one is active.
	ErrConflict = errors.New("deployment already in progress")

	// ErrUnauthorized is returned for 401/403 responses.
	ErrUnauthorized = errors.New("control plane rejected credentials")

	// ErrUnreachable is returned when no response could be obtained after retries.
	ErrUnreachable = errors.New("control plane unreachable")

	// ErrAmbiguousName is returned when a job name matches several composes.
	ErrAmbiguousName = errors.New("job name is ambiguous")
)

// maxErrorBody bounds how much of a response body is kept in errors.
const maxErrorBody = 512

// ControlPlaneError is a non-success HTTP response surfaced to the caller.
type ControlPlaneError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ControlPlaneError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: control plane returned %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: control plane returned %d", e.Op, e.StatusCode)
}

func (e *ControlPlaneError) Unwrap() error {
	return e.Err
}

// NotFoundError identifies the missing resource.
type NotFoundError struct {
	Op       string
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s not found", e.Op, e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError is returned by TriggerDeploy when the job already has an active
// deployment. ActiveDeploymentID is empty when the control plane only answered 409.
type ConflictError struct {
	JobID              string
	ActiveDeploymentID string
}

func (e *ConflictError) Error() string {
	if e.ActiveDeploymentID != "" {
		return fmt.Sprintf("job %s already deploying (deployment %s)", e.JobID, e.ActiveDeploymentID)
	}
	return fmt.Sprintf("job %s already deploying", e.JobID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a deploy conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
