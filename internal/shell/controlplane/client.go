// Package controlplane provides a client for the remote deployment control plane.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Client provides typed access to the control plane's project, compose and
// deployment endpoints. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	logLimit   int
	logger     *slog.Logger
}

// Config holds control-plane client configuration.
type Config struct {
	BaseURL string // e.g., "https://deploy.example.com/api"
	APIKey  string // sent as X-API-Key

	// Timeout bounds each individual HTTP request. Default: 10 seconds.
	Timeout time.Duration

	// RetryMax is how many times a transient failure is retried. Default: 3.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff.
	// Defaults: 1 second and 8 seconds.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RateLimit caps requests per second across all callers. Zero disables it.
	RateLimit float64
	RateBurst int

	// LogExcerptLimit is how many trailing bytes of a deployment log are kept.
	// Default: 8192.
	LogExcerptLimit int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		RetryMax:        3,
		RetryWaitMin:    1 * time.Second,
		RetryWaitMax:    8 * time.Second,
		LogExcerptLimit: 8192,
	}
}

// NewClient creates a new control-plane client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = defaults.RetryWaitMin
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = defaults.RetryWaitMax
	}
	if cfg.LogExcerptLimit == 0 {
		cfg.LogExcerptLimit = defaults.LogExcerptLimit
	}

	logger = logger.With("component", "controlplane")

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.CheckRetry = retryPolicy
	rc.Backoff = exponentialBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logger

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: rc,
		limiter:    limiter,
		logLimit:   cfg.LogExcerptLimit,
		logger:     logger,
	}
}

// =============================================================================
// Retry Policy
// =============================================================================

// retryPolicy retries network errors and 5xx responses. 4xx responses are
// final: they are surfaced to the caller on the first attempt.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

// exponentialBackoff doubles from min and caps at max. Retry-After is ignored so
// the cap always holds.
func exponentialBackoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return retryablehttp.DefaultBackoff(min, max, attemptNum, nil)
}

// =============================================================================
// Job Operations
// =============================================================================

// GetJob fetches a job by control-plane compose ID.
func (c *Client) GetJob(ctx context.Context, id string) (*domain.DeploymentJob, error) {
	if id == "" {
		return nil, domain.ErrJobIDRequired
	}

	var compose Compose
	if err := c.getJSON(ctx, "GetJob", "/compose.one", url.Values{"composeId": {id}}, "job", id, &compose); err != nil {
		return nil, err
	}
	if compose.ComposeID == "" {
		compose.ComposeID = id
	}
	return compose.ToJob(), nil
}

// CreateJob registers a new job and, when the spec has a source, points it at it.
func (c *Client) CreateJob(ctx context.Context, spec domain.JobSpec) (*domain.DeploymentJob, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, "CreateJob", http.MethodPost, "/compose.create", nil, createComposeRequest{
		Name:        spec.Name,
		Description: spec.Description,
		ProjectID:   spec.ProjectID,
		ComposeType: "docker-compose",
	}, "project", spec.ProjectID)
	if err != nil {
		return nil, err
	}

	var compose Compose
	if err := json.Unmarshal(body, &compose); err != nil {
		return nil, fmt.Errorf("CreateJob: decode response: %w", err)
	}
	if compose.ComposeID == "" {
		return nil, fmt.Errorf("CreateJob: response carried no composeId")
	}
	c.logger.Info("created job", "job", spec.Name, "job_id", compose.ComposeID)

	if spec.Source == (domain.SourceRef{}) {
		return compose.ToJob(), nil
	}
	return c.UpdateJobSource(ctx, compose.ComposeID, spec.Source)
}

// UpdateJobSource points a job at a new repository, branch or compose path.
func (c *Client) UpdateJobSource(ctx context.Context, id string, src domain.SourceRef) (*domain.DeploymentJob, error) {
	if id == "" {
		return nil, domain.ErrJobIDRequired
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, "UpdateJobSource", http.MethodPost, "/compose.update", nil, updateComposeRequest{
		ComposeID:       id,
		SourceType:      "git",
		CustomGitURL:    src.Repository,
		CustomGitBranch: src.Branch,
		ComposePath:     src.Path,
	}, "job", id)
	if err != nil {
		return nil, err
	}

	c.logger.Info("updated job source", "job_id", id, "source", src.String())

	var compose Compose
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &compose) == nil && compose.ComposeID != "" {
		return compose.ToJob(), nil
	}
	// Some control-plane versions answer with a bare boolean.
	return c.GetJob(ctx, id)
}

// =============================================================================
// Deployment Operations
// =============================================================================

// TriggerDeploy starts a new deployment attempt. It returns a *ConflictError when
// the latest attempt is still active or the control plane answers 409. When the
// deploy response carries no deployment ID, the latest (queued) attempt is returned.
func (c *Client) TriggerDeploy(ctx context.Context, id string) (*domain.DeploymentAttempt, error) {
	if id == "" {
		return nil, domain.ErrJobIDRequired
	}

	latest, err := c.GetLatestAttempt(ctx, id)
	switch {
	case err == nil && latest.IsActive():
		return nil, &ConflictError{JobID: id, ActiveDeploymentID: latest.ID}
	case err != nil && !IsNotFound(err):
		return nil, err
	}

	body, err := c.do(ctx, "TriggerDeploy", http.MethodPost, "/compose.deploy", nil, deployRequest{ComposeID: id}, "job", id)
	if err != nil {
		var cpErr *ControlPlaneError
		if errors.As(err, &cpErr) && cpErr.StatusCode == http.StatusConflict {
			return nil, &ConflictError{JobID: id}
		}
		return nil, err
	}

	var resp deployResponse
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &resp) == nil && resp.DeploymentID != "" {
		c.logger.Info("triggered deployment", "job_id", id, "deployment_id", resp.DeploymentID)
		return &domain.DeploymentAttempt{
			ID:        resp.DeploymentID,
			JobID:     id,
			Status:    domain.StateQueued,
			StartedAt: time.Now().UTC(),
		}, nil
	}

	attempt, err := c.GetLatestAttempt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("TriggerDeploy: locate queued attempt: %w", err)
	}
	c.logger.Info("triggered deployment", "job_id", id, "deployment_id", attempt.ID)
	return attempt, nil
}

// GetLatestAttempt returns the most recent deployment attempt of a job.
func (c *Client) GetLatestAttempt(ctx context.Context, jobID string) (*domain.DeploymentAttempt, error) {
	if jobID == "" {
		return nil, domain.ErrJobIDRequired
	}

	var deployments []Deployment
	if err := c.getJSON(ctx, "GetLatestAttempt", "/deployment.all", url.Values{"composeId": {jobID}}, "job", jobID, &deployments); err != nil {
		return nil, err
	}
	if len(deployments) == 0 {
		return nil, &NotFoundError{Op: "GetLatestAttempt", Resource: "deployment for job", ID: jobID}
	}

	attempt := deployments[0].ToAttempt(jobID, c.logLimit)
	return &attempt, nil
}

// GetAttempt fetches one deployment attempt including its log excerpt.
func (c *Client) GetAttempt(ctx context.Context, deploymentID string) (*domain.DeploymentAttempt, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("GetAttempt: deployment id is required")
	}

	var d Deployment
	if err := c.getJSON(ctx, "GetAttempt", "/deployment.one", url.Values{"deploymentId": {deploymentID}}, "deployment", deploymentID, &d); err != nil {
		return nil, err
	}
	if d.DeploymentID == "" {
		d.DeploymentID = deploymentID
	}
	attempt := d.ToAttempt("", c.logLimit)
	return &attempt, nil
}

// GetAttemptLog returns the log excerpt of a deployment attempt.
func (c *Client) GetAttemptLog(ctx context.Context, deploymentID string) (string, error) {
	attempt, err := c.GetAttempt(ctx, deploymentID)
	if err != nil {
		return "", err
	}
	return attempt.LogExcerpt, nil
}

// =============================================================================
// Project Operations
// =============================================================================

// ListProjects returns every project with its composes.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.getJSON(ctx, "ListProjects", "/project.all", nil, "projects", "", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// EnsureProject returns the ID of the named project, creating it if missing.
func (c *Client) EnsureProject(ctx context.Context, name string) (string, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return "", fmt.Errorf("check existing project: %w", err)
	}
	for _, p := range projects {
		if p.Name == name {
			return p.ProjectID, nil
		}
	}

	c.logger.Info("creating new project", "name", name)
	body, err := c.do(ctx, "EnsureProject", http.MethodPost, "/project.create", nil, createProjectRequest{Name: name}, "project", name)
	if err != nil {
		return "", err
	}
	var created Project
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("EnsureProject: decode response: %w", err)
	}
	if created.ProjectID == "" {
		return "", fmt.Errorf("EnsureProject: response carried no projectId")
	}
	return created.ProjectID, nil
}

// FindJobByName looks a job up by name, optionally restricted to one project.
func (c *Client) FindJobByName(ctx context.Context, project, name string) (*domain.DeploymentJob, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Compose
	for _, p := range projects {
		if project != "" && p.Name != project {
			continue
		}
		for _, comp := range p.Compose {
			if comp.Name == name {
				if comp.ProjectID == "" {
					comp.ProjectID = p.ProjectID
				}
				matches = append(matches, comp)
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Op: "FindJobByName", Resource: "job", ID: name}
	case 1:
		return matches[0].ToJob(), nil
	default:
		return nil, fmt.Errorf("FindJobByName %s: %w (%d matches)", name, ErrAmbiguousName, len(matches))
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, resource, id string, out any) error {
	body, err := c.do(ctx, op, http.MethodGet, path, query, nil, resource, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// do performs one logical call, including retries, and maps HTTP failures onto
// the package's error types.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any, resource, id string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var raw interface{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		raw = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Op: op, Resource: resource, ID: id}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ControlPlaneError{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(body), Err: ErrUnauthorized}
	default:
		c.logger.Warn("control plane request failed",
			"op", op,
			"status", resp.StatusCode,
		)
		return nil, &ControlPlaneError{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
}

func (c *Client) setHeaders(req *retryablehttp.Request) {
	req.Header.Set("Accept", "application/json")
	if req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
