// Package docker provides read-only access to the container runtime for run
// reports.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Compose labels set by docker compose on every container it creates.
const (
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

// containerAPI is the subset of the Docker SDK the snapshot uses.
type containerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient lists the containers of a compose project.
type DockerClient struct {
	cli    containerAPI
	logger *slog.Logger
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(ctx context.Context, host string, logger *slog.Logger) (*DockerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "docker")

	var opts []client.Opt
	opts = append(opts, client.FromEnv)
	opts = append(opts, client.WithAPIVersionNegotiation())

	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	// Try to ping with default settings
	if _, pingErr := cli.Ping(ctx); pingErr != nil && host == "" {
		// If default socket fails, try Docker Desktop socket on macOS
		homeDir, _ := os.UserHomeDir()
		dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(dockerDesktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				logger.Debug("using docker desktop socket", "host", dockerDesktopSocket)
				cli.Close()
				return &DockerClient{cli: cli2, logger: logger}, nil
			}
			cli2.Close()
		}
	}

	return &DockerClient{cli: cli, logger: logger}, nil
}

// newWithAPI wraps an existing API implementation.
func newWithAPI(api containerAPI, logger *slog.Logger) *DockerClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerClient{cli: api, logger: logger.With("component", "docker")}
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot lists every container, running or not, that docker compose created
// for project. Results are ordered by service, then container name.
func (d *DockerClient) Snapshot(ctx context.Context, project string) ([]domain.ContainerStatus, error) {
	if project == "" {
		return nil, NewDockerError("Snapshot", "container", "", "compose project is required", ErrProjectRequired)
	}

	f := filters.NewArgs()
	f.Add("label", LabelComposeProject+"="+project)

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, NewDockerError("Snapshot", "container", "", err.Error(), ErrConnectionFailed)
	}

	result := make([]domain.ContainerStatus, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		state := string(c.State)
		result = append(result, domain.ContainerStatus{
			Name:    name,
			Service: c.Labels[LabelComposeService],
			Image:   c.Image,
			State:   state,
			Running: state == "running",
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Service != result[j].Service {
			return result[i].Service < result[j].Service
		}
		return result[i].Name < result[j].Name
	})

	d.logger.Debug("runtime snapshot", "project", project, "containers", len(result))
	return result, nil
}

// NotRunning returns the containers of a snapshot that are not running.
func NotRunning(snapshot []domain.ContainerStatus) []domain.ContainerStatus {
	var out []domain.ContainerStatus
	for _, c := range snapshot {
		if !c.Running {
			out = append(out, c)
		}
	}
	return out
}
