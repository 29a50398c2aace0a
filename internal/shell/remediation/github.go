package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// ErrUnsupportedRepository is returned by a SourceChecker that cannot inspect
// the repository. The engine treats it as "no opinion".
var ErrUnsupportedRepository = errors.New("repository host not supported by checker")

// GitHubChecker verifies compose paths against the GitHub contents API.
type GitHubChecker struct {
	client *github.Client
	logger *slog.Logger
}

// GitHubConfig configures a GitHubChecker.
type GitHubConfig struct {
	Token string

	// BaseURL overrides the API endpoint, e.g. for GitHub Enterprise.
	BaseURL string
}

// NewGitHubChecker creates a checker authenticated with a static token.
func NewGitHubChecker(cfg GitHubConfig, logger *slog.Logger) (*GitHubChecker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: cfg.Token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = base
	}

	return &GitHubChecker{
		client: client,
		logger: logger.With("component", "github_checker"),
	}, nil
}

// PathExists reports whether src.Path exists on src.Branch.
func (g *GitHubChecker) PathExists(ctx context.Context, src domain.SourceRef) (bool, error) {
	owner, repo, err := ParseGitHubRepository(src.Repository)
	if err != nil {
		return false, err
	}

	opts := &github.RepositoryContentGetOptions{Ref: src.Branch}
	_, _, resp, err := g.client.Repositories.GetContents(ctx, owner, repo, strings.TrimPrefix(src.Path, "/"), opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			g.logger.Debug("path not found in repository", "repository", owner+"/"+repo, "path", src.Path, "branch", src.Branch)
			return false, nil
		}
		return false, fmt.Errorf("get contents of %s/%s:%s: %w", owner, repo, src.Path, err)
	}
	return true, nil
}

// ParseGitHubRepository extracts owner and repository name from an https or
// scp-style GitHub URL.
func ParseGitHubRepository(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	var rest string
	switch {
	case strings.HasPrefix(s, "git@github.com:"):
		rest = strings.TrimPrefix(s, "git@github.com:")
	default:
		u, perr := url.Parse(s)
		if perr != nil || !strings.EqualFold(u.Host, "github.com") {
			return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRepository, raw)
		}
		rest = strings.TrimPrefix(u.Path, "/")
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRepository, raw)
	}
	return parts[0], parts[1], nil
}
