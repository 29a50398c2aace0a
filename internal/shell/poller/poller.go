// Package poller drives a deployment job to a terminal state by polling the
// control plane.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/artpar/fleetpilot/internal/shell/controlplane"
)

// JobSource is the slice of the control-plane client the poller needs.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*domain.DeploymentJob, error)
	GetLatestAttempt(ctx context.Context, jobID string) (*domain.DeploymentAttempt, error)
}

// Config configures a poller.
type Config struct {
	// Interval is the time between GetJob calls.
	// Default: 30 seconds.
	Interval time.Duration

	// MaxWait bounds the whole poll. It cannot be disabled; zero means the default.
	// Default: 60 minutes.
	MaxWait time.Duration

	// OnTransition is called for every observed state change, in observed order,
	// from the polling goroutine.
	OnTransition func(domain.Transition)
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		MaxWait:  60 * time.Minute,
	}
}

// Result is the terminal outcome of one poll.
type Result struct {
	Outcome domain.JobOutcome
	State   domain.JobState // last observed state
	Polls   int             // GetJob calls made, including failed ones
	Elapsed time.Duration
}

// Poller polls one job at a time. A Poller holds no per-job state and may be
// shared by concurrent callers.
type Poller struct {
	source JobSource
	config Config
	logger *slog.Logger
}

// New creates a poller.
func New(source JobSource, config Config, logger *slog.Logger) *Poller {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaults.MaxWait
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		source: source,
		config: config,
		logger: logger.With("component", "poller"),
	}
}

// Poll observes job until it is done, errors, times out or ctx is cancelled.
// job.State is updated with every observation. Set job.LastDeploymentID to the
// triggered attempt's ID so a leftover done or error from the previous attempt
// is not taken as this attempt's result.
func (p *Poller) Poll(ctx context.Context, job *domain.DeploymentJob) Result {
	start := time.Now()
	logger := p.logger.With("job", job.Name, "job_id", job.ID)
	res := Result{State: job.State}

	finish := func(outcome domain.JobOutcome) Result {
		res.Outcome = outcome
		res.State = job.State
		res.Elapsed = time.Since(start)
		return res
	}

	for {
		observed, err := p.source.GetJob(ctx, job.ID)
		res.Polls++
		switch {
		case ctx.Err() != nil:
			return finish(domain.JobOutcome{Kind: domain.OutcomeCancelled, Err: ctx.Err()})
		case err != nil && !isTransient(err):
			logger.Error("poll failed", "error", err)
			return finish(domain.JobOutcome{Kind: domain.OutcomeFailure, Err: err})
		case err != nil:
			logger.Warn("poll failed, will retry next interval", "error", err)
		default:
			p.observe(job, observed, logger)
		}

		switch job.State {
		case domain.StateDone:
			logger.Info("deployment finished", "polls", res.Polls, "elapsed", time.Since(start).Round(time.Millisecond))
			return finish(domain.JobOutcome{Kind: domain.OutcomeSuccess})

		case domain.StateError:
			attempt, err := p.source.GetLatestAttempt(ctx, job.ID)
			if err != nil {
				if ctx.Err() != nil {
					return finish(domain.JobOutcome{Kind: domain.OutcomeCancelled, Err: ctx.Err()})
				}
				logger.Error("deployment failed, attempt unavailable", "error", err)
				return finish(domain.JobOutcome{Kind: domain.OutcomeFailure, Err: err})
			}
			job.LastDeploymentID = attempt.ID
			logger.Warn("deployment failed", "deployment_id", attempt.ID)
			return finish(domain.JobOutcome{Kind: domain.OutcomeFailure, Attempt: attempt})
		}

		elapsed := time.Since(start)
		if elapsed >= p.config.MaxWait {
			timeoutErr := &domain.PollTimeoutError{JobName: job.Name, LastState: job.State, Waited: elapsed}
			logger.Warn("gave up waiting for deployment", "state", job.State, "elapsed", elapsed.Round(time.Second))
			return finish(domain.JobOutcome{Kind: domain.OutcomeTimeout, Err: timeoutErr})
		}

		// Never sleep past the deadline; the last poll lands on it.
		wait := p.config.Interval
		if remaining := p.config.MaxWait - elapsed; remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(domain.JobOutcome{Kind: domain.OutcomeCancelled, Err: ctx.Err()})
		case <-timer.C:
		}
	}
}

// observe applies one GetJob result to job. When job.LastDeploymentID names the
// attempt being waited on, a terminal state reported alongside a different
// latest deployment belongs to an earlier attempt and is ignored.
func (p *Poller) observe(job, observed *domain.DeploymentJob, logger *slog.Logger) {
	if stale := observed.State.IsTerminal() &&
		job.LastDeploymentID != "" &&
		observed.LastDeploymentID != "" &&
		observed.LastDeploymentID != job.LastDeploymentID; stale {
		logger.Debug("ignoring terminal state of an earlier deployment",
			"state", observed.State, "observed_deployment_id", observed.LastDeploymentID,
			"deployment_id", job.LastDeploymentID)
		return
	}
	if job.LastDeploymentID == "" {
		job.LastDeploymentID = observed.LastDeploymentID
	}
	if observed.State == job.State {
		return
	}

	t := domain.Transition{
		JobID:      job.ID,
		JobName:    job.Name,
		From:       job.State,
		To:         observed.State,
		ObservedAt: time.Now().UTC(),
	}
	job.State = observed.State

	logger.Info("state changed", "from", t.From, "to", t.To)
	if p.config.OnTransition != nil {
		p.config.OnTransition(t)
	}
}

// isTransient reports whether a GetJob error is worth another poll. The client
// has already retried by the time an error reaches here.
func isTransient(err error) bool {
	if errors.Is(err, controlplane.ErrUnreachable) {
		return true
	}
	var cpErr *controlplane.ControlPlaneError
	if errors.As(err, &cpErr) {
		return cpErr.StatusCode >= http.StatusInternalServerError || cpErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
