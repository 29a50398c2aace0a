// Package topology describes the fleet: which jobs to deploy and which service
// endpoints to probe. It contains pure parsing functions only; callers read files.
package topology

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrEmptyInput is returned for an empty topology or compose document.
	ErrEmptyInput = errors.New("topology document is empty")

	// ErrInvalidYAML is returned when the document is not valid YAML.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrInvalidTopology is returned when the document parses but is inconsistent.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrDuplicateName is returned when two jobs or two probes share a name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrUnknownJob is returned when an operator selects a job the topology lacks.
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidCompose is returned when compose-go rejects a compose file.
	ErrInvalidCompose = errors.New("invalid compose file")
)

// TopologyError wraps errors with the field that caused them.
type TopologyError struct {
	Field   string // e.g., "jobs[1].name"
	Message string
	Err     error
}

func (e *TopologyError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// NewTopologyError creates a new TopologyError.
func NewTopologyError(field, message string, err error) *TopologyError {
	return &TopologyError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
