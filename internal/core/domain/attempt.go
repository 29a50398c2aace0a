package domain

import (
	"time"
	"unicode/utf8"
)

// DeploymentAttempt is one execution of a job's deploy trigger.
type DeploymentAttempt struct {
	ID         string    `json:"deployment_id"`
	JobID      string    `json:"job_id"`
	Title      string    `json:"title,omitempty"`
	Status     JobState  `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	LogExcerpt string    `json:"log_excerpt,omitempty"`
}

// IsActive reports whether the attempt is queued or still running. Unrecognized
// and cancelled attempts do not block a new deploy.
func (a DeploymentAttempt) IsActive() bool {
	return a.Status.IsActive()
}

// TruncateLog shortens a log excerpt to at most max bytes, keeping the tail,
// which is where build tools print the failing step.
func TruncateLog(log string, max int) string {
	if max <= 0 || len(log) <= max {
		return log
	}
	cut := len(log) - max
	for cut < len(log) && !utf8.RuneStart(log[cut]) {
		cut++
	}
	return "..." + log[cut:]
}
