package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/artpar/fleetpilot/internal/core/topology"
	"github.com/artpar/fleetpilot/internal/shell/controlplane"
	"github.com/artpar/fleetpilot/internal/shell/docker"
	"github.com/artpar/fleetpilot/internal/shell/metrics"
	"github.com/artpar/fleetpilot/internal/shell/orchestrator"
	"github.com/artpar/fleetpilot/internal/shell/poller"
	"github.com/artpar/fleetpilot/internal/shell/remediation"
	"github.com/artpar/fleetpilot/internal/shell/store"
	"github.com/artpar/fleetpilot/internal/shell/verifier"
)

// persistTimeout bounds writing history and metrics after the run, which may
// happen after the run context was cancelled.
const persistTimeout = 10 * time.Second

type runOptions struct {
	jobs       []string
	verifyOnly bool
	output     string
}

// =============================================================================
// Fleet Run
// =============================================================================

// runFleet wires every component from cfg, runs the orchestrator and prints
// the report. Errors are returned only when the run could not start.
func runFleet(ctx context.Context, cfg *Config, opts runOptions, out io.Writer, logger *slog.Logger) (int, error) {
	if opts.output != "text" && opts.output != "json" {
		return 0, fmt.Errorf("unknown output format %q", opts.output)
	}

	topo, probes, err := loadFleet(cfg.Topology.File)
	if err != nil {
		return 0, err
	}

	var jobs []topology.JobDef
	if !opts.verifyOnly {
		if err := cfg.ControlPlane.Validate(); err != nil {
			return 0, err
		}
		if jobs, err = topo.SelectJobs(opts.jobs); err != nil {
			return 0, err
		}
	}

	deps := orchestrator.Dependencies{
		ControlPlane: controlplane.NewClient(controlplane.Config{
			BaseURL:         cfg.ControlPlane.URL,
			APIKey:          cfg.ControlPlane.APIKey,
			Timeout:         cfg.ControlPlane.Timeout,
			RetryMax:        cfg.ControlPlane.RetryMax,
			RateLimit:       cfg.ControlPlane.RateLimit,
			RateBurst:       cfg.ControlPlane.RateBurst,
			LogExcerptLimit: cfg.ControlPlane.LogExcerptLimit,
		}, logger),
		Verifier: verifier.New(verifier.Config{
			HTTPTimeout:   cfg.Verify.HTTPTimeout,
			TCPTimeout:    cfg.Verify.TCPTimeout,
			MaxConcurrent: cfg.Verify.MaxConcurrent,
		}, logger),
	}

	if cfg.GitHub.Token != "" {
		checker, err := remediation.NewGitHubChecker(remediation.GitHubConfig{
			Token:   cfg.GitHub.Token,
			BaseURL: cfg.GitHub.BaseURL,
		}, logger)
		if err != nil {
			return 0, fmt.Errorf("github: %w", err)
		}
		deps.Checker = checker
	}

	if cfg.Runtime.Enabled {
		dc, err := docker.NewDockerClient(ctx, cfg.Runtime.DockerHost, logger)
		if err != nil {
			logger.Warn("runtime snapshot disabled", "error", err)
		} else {
			defer dc.Close()
			deps.Runtime = dc
		}
	}

	if cfg.Metrics.Textfile != "" {
		deps.Metrics = metrics.New()
	}

	runtimeProject := cfg.Runtime.Project
	if runtimeProject == "" {
		runtimeProject = topo.Project
	}

	o := orchestrator.New(deps, orchestrator.Config{
		Project:         topo.Project,
		RuntimeProject:  runtimeProject,
		Parallel:        cfg.Poll.Parallel,
		OnConflict:      orchestrator.ConflictPolicy(cfg.Remediation.OnConflict),
		MaxRemediations: cfg.Remediation.MaxAttempts,
		CreateMissing:   cfg.Remediation.CreateMissing,
		SettleDelay:     cfg.Verify.SettleDelay,
		VerifyOnly:      opts.verifyOnly,
		Poll: poller.Config{
			Interval: cfg.Poll.Interval,
			MaxWait:  cfg.Poll.MaxWait,
		},
	}, logger)

	report := o.Run(ctx, jobs, probes)

	if err := printReport(out, report, opts.output); err != nil {
		logger.Error("failed to print report", "error", err)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := saveHistory(persistCtx, cfg.History.DSN, report); err != nil {
		logger.Error("failed to save run history", "error", err)
	}
	if err := deps.Metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Error("failed to write metrics", "path", cfg.Metrics.Textfile, "error", err)
	}

	return report.ExitCode(), nil
}

// loadFleet reads the topology file and every compose file it references.
// Compose paths are relative to the topology file.
func loadFleet(path string) (*topology.Topology, []domain.ServiceProbe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read topology: %w", err)
	}
	topo, err := topology.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	probes := topo.StaticProbes()
	base := filepath.Dir(path)
	for _, src := range topo.Compose {
		file := src.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(base, file)
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, nil, fmt.Errorf("read compose file: %w", err)
		}
		derived, err := topology.ProbesFromCompose(string(content), src)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", file, err)
		}
		probes = topology.MergeProbes(probes, derived)
	}
	return topo, probes, nil
}

// =============================================================================
// History
// =============================================================================

func openStore(dsn string) (*store.SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	return store.NewSQLiteStore(dsn)
}

func saveHistory(ctx context.Context, dsn string, report *domain.RunReport) error {
	if dsn == "" {
		return nil
	}
	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.SaveRun(ctx, report)
}

func listRuns(ctx context.Context, dsn string, limit int, output string, out io.Writer) error {
	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(ctx, store.ListOptions{Limit: limit})
	if err != nil {
		return err
	}
	if output == "json" {
		return writeJSON(out, runs)
	}
	return printRuns(out, runs)
}

func showRun(ctx context.Context, dsn, id, output string, out io.Writer) error {
	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	jobs, err := s.ListJobOutcomes(ctx, id)
	if err != nil {
		return err
	}
	probes, err := s.ListProbeResults(ctx, id)
	if err != nil {
		return err
	}

	if output == "json" {
		return writeJSON(out, map[string]any{"run": run, "jobs": jobs, "probes": probes})
	}
	return printRunDetail(out, run, jobs, probes)
}
