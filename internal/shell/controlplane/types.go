package controlplane

import (
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
)

// =============================================================================
// Wire Types
// =============================================================================

// Compose is the control plane's representation of a deployment job.
type Compose struct {
	ComposeID       string       `json:"composeId"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	ProjectID       string       `json:"projectId,omitempty"`
	ComposeStatus   string       `json:"composeStatus"`
	SourceType      string       `json:"sourceType,omitempty"`
	CustomGitURL    string       `json:"customGitUrl,omitempty"`
	CustomGitBranch string       `json:"customGitBranch,omitempty"`
	ComposePath     string       `json:"composePath,omitempty"`
	Deployments     []Deployment `json:"deployments,omitempty"`
}

// Deployment is one deploy attempt as reported by the control plane.
type Deployment struct {
	DeploymentID string `json:"deploymentId"`
	ComposeID    string `json:"composeId,omitempty"`
	Status       string `json:"status"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// Project groups composes.
type Project struct {
	ProjectID   string    `json:"projectId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Compose     []Compose `json:"compose,omitempty"`
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type createComposeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"projectId"`
	ComposeType string `json:"composeType"`
}

type updateComposeRequest struct {
	ComposeID       string `json:"composeId"`
	SourceType      string `json:"sourceType"`
	CustomGitURL    string `json:"customGitUrl"`
	CustomGitBranch string `json:"customGitBranch"`
	ComposePath     string `json:"composePath"`
}

type deployRequest struct {
	ComposeID string `json:"composeId"`
}

type deployResponse struct {
	DeploymentID string `json:"deploymentId"`
}

// =============================================================================
// Conversions
// =============================================================================

// ToJob converts the wire representation into a domain job.
func (c Compose) ToJob() *domain.DeploymentJob {
	job := &domain.DeploymentJob{
		ID:        c.ComposeID,
		Name:      c.Name,
		ProjectID: c.ProjectID,
		Source: domain.SourceRef{
			Repository: c.CustomGitURL,
			Branch:     c.CustomGitBranch,
			Path:       c.ComposePath,
		},
		State: domain.NormalizeState(c.ComposeStatus),
	}
	if len(c.Deployments) > 0 {
		job.LastDeploymentID = c.Deployments[0].DeploymentID
	}
	return job
}

// ToAttempt converts the wire representation into a domain attempt.
func (d Deployment) ToAttempt(jobID string, logLimit int) domain.DeploymentAttempt {
	if d.ComposeID != "" {
		jobID = d.ComposeID
	}
	return domain.DeploymentAttempt{
		ID:         d.DeploymentID,
		JobID:      jobID,
		Title:      d.Title,
		Status:     domain.NormalizeState(d.Status),
		StartedAt:  parseTime(d.CreatedAt),
		LogExcerpt: domain.TruncateLog(d.Description, logLimit),
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
