package controlplane

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/artpar/fleetpilot/internal/shell/controlplane/cpfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:      baseURL,
		APIKey:       testAPIKey,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, nil)
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://cp.local/api/"}, nil)
	assert.Equal(t, "http://cp.local/api", c.baseURL)
	assert.Equal(t, 3, c.httpClient.RetryMax)
	assert.Equal(t, time.Second, c.httpClient.RetryWaitMin)
	assert.Equal(t, 8*time.Second, c.httpClient.RetryWaitMax)
	assert.Equal(t, 10*time.Second, c.httpClient.HTTPClient.Timeout)
	assert.Equal(t, 8192, c.logLimit)
	assert.Nil(t, c.limiter)
}

func TestNewClient_NegativeRetryDisablesRetries(t *testing.T) {
	c := NewClient(Config{RetryMax: -1, RateLimit: 5}, nil)
	assert.Equal(t, 0, c.httpClient.RetryMax)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
}

func TestExponentialBackoff_Capped(t *testing.T) {
	min, max := time.Second, 8*time.Second
	assert.Equal(t, time.Second, exponentialBackoff(min, max, 0, nil))
	assert.Equal(t, 2*time.Second, exponentialBackoff(min, max, 1, nil))
	assert.Equal(t, 4*time.Second, exponentialBackoff(min, max, 2, nil))
	assert.Equal(t, 8*time.Second, exponentialBackoff(min, max, 3, nil))
	assert.Equal(t, 8*time.Second, exponentialBackoff(min, max, 10, nil))
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestClient_RetriesServerErrors(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api", Statuses: []string{"done"}})
	cp.FailNext(cpfake.RouteComposeOne, http.StatusBadGateway, 2)

	job, err := newTestClient(cp.URL).GetJob(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, job.State)
	assert.Equal(t, 3, cp.Calls(cpfake.RouteComposeOne))
}

func TestClient_GivesUpAfterRetryMax(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})
	cp.FailNext(cpfake.RouteComposeOne, http.StatusServiceUnavailable, 10)

	_, err := newTestClient(cp.URL).GetJob(context.Background(), comp.ID)
	require.Error(t, err)

	var cpErr *ControlPlaneError
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, http.StatusServiceUnavailable, cpErr.StatusCode)
	assert.Equal(t, "GetJob", cpErr.Op)
	// One initial call plus three retries.
	assert.Equal(t, 4, cp.Calls(cpfake.RouteComposeOne))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad composeId"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetJob(context.Background(), "c1")
	require.Error(t, err)

	var cpErr *ControlPlaneError
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, http.StatusBadRequest, cpErr.StatusCode)
	assert.Contains(t, cpErr.Body, "bad composeId")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UnreachableAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).GetJob(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClient_ContextCancelled(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(cp.URL).GetJob(ctx, "c1")
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestClient_GetJob_NotFound(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()

	_, err := newTestClient(cp.URL).GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.ID)
	assert.Equal(t, 1, cp.Calls(cpfake.RouteComposeOne))
}

func TestClient_Unauthorized(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()

	c := NewClient(Config{BaseURL: cp.URL, APIKey: "wrong"}, nil)
	_, err := c.ListProjects(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_EmptyIDs(t *testing.T) {
	c := newTestClient("http://unused")
	ctx := context.Background()

	_, err := c.GetJob(ctx, "")
	assert.ErrorIs(t, err, domain.ErrJobIDRequired)
	_, err = c.TriggerDeploy(ctx, "")
	assert.ErrorIs(t, err, domain.ErrJobIDRequired)
	_, err = c.GetLatestAttempt(ctx, "")
	assert.ErrorIs(t, err, domain.ErrJobIDRequired)
	_, err = c.UpdateJobSource(ctx, "", domain.SourceRef{})
	assert.ErrorIs(t, err, domain.ErrJobIDRequired)
}

// =============================================================================
// Job Operation Tests
// =============================================================================

func TestClient_GetJob(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{
		Name:       "frontend",
		ProjectID:  "p1",
		Repository: "https://github.com/acme/platform",
		Branch:     "main",
		Path:       "deploy/frontend.yml",
		Statuses:   []string{"running"},
	})
	cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-old", Status: "done"})

	job, err := newTestClient(cp.URL).GetJob(context.Background(), comp.ID)
	require.NoError(t, err)

	assert.Equal(t, comp.ID, job.ID)
	assert.Equal(t, "frontend", job.Name)
	assert.Equal(t, "p1", job.ProjectID)
	assert.Equal(t, domain.StateRunningSteps, job.State)
	assert.Equal(t, "deploy/frontend.yml", job.Source.Path)
	assert.Equal(t, "dep-old", job.LastDeploymentID)
}

func TestClient_CreateJob(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	projectID := cp.AddProject("platform")

	src := domain.SourceRef{Repository: "https://github.com/acme/platform", Branch: "main", Path: "deploy/api.yml"}
	job, err := newTestClient(cp.URL).CreateJob(context.Background(), domain.JobSpec{
		Name:      "api",
		ProjectID: projectID,
		Source:    src,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "api", job.Name)
	assert.Equal(t, src, job.Source)
	assert.Equal(t, 1, cp.Calls(cpfake.RouteComposeCreate))
	assert.Equal(t, 1, cp.Calls(cpfake.RouteComposeUpdate))

	stored, ok := cp.Compose(job.ID)
	require.True(t, ok)
	assert.Equal(t, "deploy/api.yml", stored.Path)
}

func TestClient_CreateJob_InvalidSpec(t *testing.T) {
	c := newTestClient("http://unused")
	_, err := c.CreateJob(context.Background(), domain.JobSpec{ProjectID: "p1"})
	assert.ErrorIs(t, err, domain.ErrJobNameRequired)
}

func TestClient_UpdateJobSource_BooleanResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/compose.update", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("true"))
	})
	mux.HandleFunc("/compose.one", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"composeId":"c1","name":"api","composeStatus":"idle","composePath":"deploy/fixed.yml"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	job, err := newTestClient(server.URL).UpdateJobSource(context.Background(), "c1", domain.SourceRef{
		Repository: "https://github.com/acme/platform",
		Branch:     "main",
		Path:       "deploy/fixed.yml",
	})
	require.NoError(t, err)
	assert.Equal(t, "deploy/fixed.yml", job.Source.Path)
	assert.Equal(t, domain.StateQueued, job.State)
}

// =============================================================================
// Deployment Operation Tests
// =============================================================================

func TestClient_TriggerDeploy(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})

	attempt, err := newTestClient(cp.URL).TriggerDeploy(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, comp.ID, attempt.JobID)
	assert.Equal(t, domain.StateQueued, attempt.Status)
	assert.Equal(t, 1, cp.Calls(cpfake.RouteComposeDeploy))
}

func TestClient_TriggerDeploy_MissingDeploymentID(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	cp.DeployResponseOmitsID = true
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})

	attempt, err := newTestClient(cp.URL).TriggerDeploy(context.Background(), comp.ID)
	require.NoError(t, err)

	stored, _ := cp.Compose(comp.ID)
	require.Len(t, stored.Deployments, 1)
	assert.Equal(t, stored.Deployments[0].ID, attempt.ID)
	// Pre-check and post-deploy lookup.
	assert.Equal(t, 2, cp.Calls(cpfake.RouteDeploymentAll))
}

func TestClient_TriggerDeploy_ConflictWhenActive(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})
	cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-active", Status: "running"})

	_, err := newTestClient(cp.URL).TriggerDeploy(context.Background(), comp.ID)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "dep-active", conflict.ActiveDeploymentID)
	assert.Equal(t, 0, cp.Calls(cpfake.RouteComposeDeploy))
}

func TestClient_TriggerDeploy_InactiveLatestAttempt(t *testing.T) {
	for _, status := range []string{"cancelled", "done", "error", "paused"} {
		t.Run(status, func(t *testing.T) {
			cp := cpfake.New(testAPIKey)
			defer cp.Close()
			comp := cp.AddCompose(cpfake.Compose{Name: "api"})
			cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-old", Status: status})

			attempt, err := newTestClient(cp.URL).TriggerDeploy(context.Background(), comp.ID)
			require.NoError(t, err)
			assert.NotEqual(t, "dep-old", attempt.ID)
			assert.Equal(t, 1, cp.Calls(cpfake.RouteComposeDeploy))
		})
	}
}

func TestClient_TriggerDeploy_Conflict409(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})
	cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-old", Status: "done"})
	cp.FailNext(cpfake.RouteComposeDeploy, http.StatusConflict, 1)

	_, err := newTestClient(cp.URL).TriggerDeploy(context.Background(), comp.ID)
	assert.True(t, IsConflict(err))
	assert.Equal(t, 1, cp.Calls(cpfake.RouteComposeDeploy))
}

func TestClient_GetLatestAttempt(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})
	c := newTestClient(cp.URL)

	_, err := c.GetLatestAttempt(context.Background(), comp.ID)
	assert.True(t, IsNotFound(err))

	cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-1", Status: "done"})
	cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-2", Status: "error", Description: "failed to build image"})

	attempt, err := c.GetLatestAttempt(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Equal(t, "dep-2", attempt.ID)
	assert.Equal(t, domain.StateError, attempt.Status)
	assert.Equal(t, "failed to build image", attempt.LogExcerpt)
}

func TestClient_GetAttemptLog_Truncated(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	comp := cp.AddCompose(cpfake.Compose{Name: "api"})
	cp.AddDeployment(comp.ID, cpfake.Deployment{ID: "dep-1", Status: "error", Description: "step one\nstep two\nno such file"})

	c := NewClient(Config{BaseURL: cp.URL, APIKey: testAPIKey, LogExcerptLimit: 12}, nil)
	log, err := c.GetAttemptLog(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "...no such file", log)
}

// =============================================================================
// Project Operation Tests
// =============================================================================

func TestClient_EnsureProject(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	existing := cp.AddProject("platform")
	c := newTestClient(cp.URL)

	id, err := c.EnsureProject(context.Background(), "platform")
	require.NoError(t, err)
	assert.Equal(t, existing, id)
	assert.Equal(t, 0, cp.Calls(cpfake.RouteProjectCreate))

	id, err = c.EnsureProject(context.Background(), "staging")
	require.NoError(t, err)
	assert.NotEqual(t, existing, id)
	assert.Equal(t, 1, cp.Calls(cpfake.RouteProjectCreate))
}

func TestClient_FindJobByName(t *testing.T) {
	cp := cpfake.New(testAPIKey)
	defer cp.Close()
	platform := cp.AddProject("platform")
	staging := cp.AddProject("staging")
	want := cp.AddCompose(cpfake.Compose{Name: "api", ProjectID: platform})
	cp.AddCompose(cpfake.Compose{Name: "api", ProjectID: staging})
	cp.AddCompose(cpfake.Compose{Name: "worker", ProjectID: platform})
	c := newTestClient(cp.URL)
	ctx := context.Background()

	job, err := c.FindJobByName(ctx, "platform", "api")
	require.NoError(t, err)
	assert.Equal(t, want.ID, job.ID)

	_, err = c.FindJobByName(ctx, "", "api")
	assert.ErrorIs(t, err, ErrAmbiguousName)

	_, err = c.FindJobByName(ctx, "platform", "frontend")
	assert.True(t, IsNotFound(err))
}
