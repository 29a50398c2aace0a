// Package orchestrator drives a set of deployment jobs through trigger, poll,
// diagnosis and remediation, then verifies fleet health.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/fleetpilot/internal/core/diagnosis"
	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/artpar/fleetpilot/internal/core/topology"
	"github.com/artpar/fleetpilot/internal/shell/controlplane"
	"github.com/artpar/fleetpilot/internal/shell/metrics"
	"github.com/artpar/fleetpilot/internal/shell/poller"
	"github.com/artpar/fleetpilot/internal/shell/remediation"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Dependencies
// =============================================================================

// ControlPlane is the control-plane surface the orchestrator drives.
type ControlPlane interface {
	poller.JobSource
	remediation.JobUpdater

	FindJobByName(ctx context.Context, project, name string) (*domain.DeploymentJob, error)
	EnsureProject(ctx context.Context, name string) (string, error)
	CreateJob(ctx context.Context, spec domain.JobSpec) (*domain.DeploymentJob, error)
	GetAttemptLog(ctx context.Context, deploymentID string) (string, error)
}

// Verifier runs one probe pass.
type Verifier interface {
	Verify(ctx context.Context, probes []domain.ServiceProbe) domain.HealthReport
}

// RuntimeSnapshotter lists the containers of a compose project.
type RuntimeSnapshotter interface {
	Snapshot(ctx context.Context, project string) ([]domain.ContainerStatus, error)
}

// Dependencies are the collaborators of an Orchestrator. ControlPlane and
// Verifier are required; the rest are optional.
type Dependencies struct {
	ControlPlane ControlPlane
	Verifier     Verifier
	Classifier   diagnosis.Classifier
	Checker      remediation.SourceChecker
	Runtime      RuntimeSnapshotter
	Metrics      *metrics.Recorder
}

// =============================================================================
// Configuration
// =============================================================================

// ConflictPolicy decides what happens when a job already has an active deployment.
type ConflictPolicy string

const (
	// ConflictReject ends the job with a Failure carrying the conflict.
	ConflictReject ConflictPolicy = "reject"

	// ConflictWait polls the deployment that is already running.
	ConflictWait ConflictPolicy = "waitForExisting"
)

// ErrVerificationSkipped is recorded when jobs failed and probes did not run.
var ErrVerificationSkipped = errors.New("verification skipped")

// Config configures an orchestrator.
type Config struct {
	// Project scopes job lookups by name. Empty searches every project.
	Project string

	// RuntimeProject is the compose project name for the runtime snapshot.
	// Default: Project.
	RuntimeProject string

	// Parallel drives all jobs concurrently instead of in declaration order.
	Parallel bool

	// OnConflict defaults to ConflictReject.
	OnConflict ConflictPolicy

	// MaxRemediations bounds applied remediations per job. Default: 1.
	MaxRemediations int

	// CreateMissing creates jobs that cannot be found by name, using the
	// declared source.
	CreateMissing bool

	// SettleDelay is waited before verification.
	SettleDelay time.Duration

	// VerifyOnly skips all jobs and only verifies.
	VerifyOnly bool

	Poll poller.Config
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs deployments. One Orchestrator runs one Run at a time.
type Orchestrator struct {
	cp           ControlPlane
	verifier     Verifier
	classifier   diagnosis.Classifier
	remediator   *remediation.Engine
	runtime      RuntimeSnapshotter
	metrics      *metrics.Recorder
	poller       *poller.Poller
	config       Config
	logger       *slog.Logger
	onTransition func(domain.Transition)

	mu          sync.Mutex
	transitions map[string][]domain.Transition
}

// New creates an orchestrator.
func New(deps Dependencies, config Config, logger *slog.Logger) *Orchestrator {
	if config.OnConflict == "" {
		config.OnConflict = ConflictReject
	}
	if config.MaxRemediations <= 0 {
		config.MaxRemediations = 1
	}
	if config.RuntimeProject == "" {
		config.RuntimeProject = config.Project
	}
	if logger == nil {
		logger = slog.Default()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = diagnosis.NewRuleClassifier(nil)
	}

	o := &Orchestrator{
		cp:           deps.ControlPlane,
		verifier:     deps.Verifier,
		classifier:   classifier,
		remediator:   remediation.NewEngine(deps.ControlPlane, deps.Checker, logger),
		runtime:      deps.Runtime,
		metrics:      deps.Metrics,
		config:       config,
		logger:       logger.With("component", "orchestrator"),
		onTransition: config.Poll.OnTransition,
		transitions:  make(map[string][]domain.Transition),
	}

	pollCfg := config.Poll
	pollCfg.OnTransition = o.recordTransition
	o.poller = poller.New(deps.ControlPlane, pollCfg, logger)
	return o
}

// Run deploys jobs, then verifies probes when every job succeeded. The returned
// report is complete even when ctx is cancelled part way.
func (o *Orchestrator) Run(ctx context.Context, jobs []topology.JobDef, probes []domain.ServiceProbe) *domain.RunReport {
	report := domain.NewRunReport(o.config.Project, o.config.VerifyOnly)
	logger := o.logger.With("run_id", report.ID)
	logger.Info("run started",
		"mode", report.Mode(),
		"jobs", len(jobs),
		"probes", len(probes),
		"parallel", o.config.Parallel,
	)

	if !o.config.VerifyOnly {
		report.Jobs = o.runJobs(ctx, jobs)
	}

	switch {
	case ctx.Err() != nil:
		report.SkippedVerification = "run cancelled"
	case !report.AllJobsSucceeded():
		report.SkippedVerification = fmt.Sprintf("%d job(s) did not succeed", report.FailedJobs())
	default:
		health, err := o.verify(ctx, probes)
		if err != nil {
			report.SkippedVerification = err.Error()
		} else {
			report.Health = &health
		}
	}

	if o.runtime != nil && o.config.RuntimeProject != "" && ctx.Err() == nil {
		containers, err := o.runtime.Snapshot(ctx, o.config.RuntimeProject)
		if err != nil {
			logger.Warn("runtime snapshot failed", "error", err)
		} else {
			report.Containers = containers
		}
	}

	report.Cancelled = ctx.Err() != nil
	report.FinishedAt = time.Now().UTC()
	o.metrics.ObserveRun(report)

	logger.Info("run finished",
		"exit_code", report.ExitCode(),
		"verdict", report.Verdict(),
		"failed_jobs", report.FailedJobs(),
		"elapsed", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
	return report
}

func (o *Orchestrator) runJobs(ctx context.Context, jobs []topology.JobDef) []domain.JobReport {
	reports := make([]domain.JobReport, len(jobs))

	if !o.config.Parallel {
		for i, def := range jobs {
			if ctx.Err() != nil {
				reports[i] = cancelledReport(def, ctx.Err())
				continue
			}
			reports[i] = o.runJob(ctx, def)
		}
		return reports
	}

	var g errgroup.Group
	g.SetLimit(len(jobs))
	for i, def := range jobs {
		g.Go(func() error {
			reports[i] = o.runJob(ctx, def)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (o *Orchestrator) verify(ctx context.Context, probes []domain.ServiceProbe) (domain.HealthReport, error) {
	if o.config.SettleDelay > 0 {
		o.logger.Info("waiting before verification", "delay", o.config.SettleDelay)
		timer := time.NewTimer(o.config.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.HealthReport{}, fmt.Errorf("%w: %v", ErrVerificationSkipped, ctx.Err())
		case <-timer.C:
		}
	}

	health := o.verifier.Verify(ctx, probes)
	o.metrics.ObserveHealth(health)
	return health, nil
}

// =============================================================================
// Per-Job Flow
// =============================================================================

func (o *Orchestrator) runJob(ctx context.Context, def topology.JobDef) domain.JobReport {
	start := time.Now()
	logger := o.logger.With("job", def.Name)
	rep := domain.JobReport{JobName: def.Name}

	finish := func(outcome domain.JobOutcome) domain.JobReport {
		rep.Outcome = outcome
		rep.Elapsed = time.Since(start)
		rep.Transitions = o.takeTransitions(rep.JobID)
		o.metrics.ObserveJobOutcome(outcome.Kind)
		logger.Info("job finished", "outcome", outcome.String(), "elapsed", rep.Elapsed.Round(time.Millisecond))
		return rep
	}
	fail := func(err error) domain.JobReport {
		if ctx.Err() != nil {
			return finish(domain.JobOutcome{Kind: domain.OutcomeCancelled, Err: ctx.Err()})
		}
		return finish(domain.JobOutcome{Kind: domain.OutcomeFailure, Err: err})
	}

	job, err := o.resolve(ctx, def)
	if err != nil {
		logger.Error("failed to resolve job", "error", err)
		return fail(err)
	}
	rep.JobID = job.ID
	logger = logger.With("job_id", job.ID)

	attempt, err := o.cp.TriggerDeploy(ctx, job.ID)
	var conflict *controlplane.ConflictError
	switch {
	case errors.As(err, &conflict) && o.config.OnConflict == ConflictWait:
		logger.Info("deployment already in progress, waiting for it", "deployment_id", conflict.ActiveDeploymentID)
		attempt = &domain.DeploymentAttempt{
			ID:     conflict.ActiveDeploymentID,
			JobID:  job.ID,
			Status: domain.StateRunningSteps,
		}
	case err != nil:
		logger.Error("failed to trigger deployment", "error", err)
		return fail(err)
	}
	o.startAttempt(job, &rep, attempt)

	applied := 0
	for {
		res := o.poller.Poll(ctx, job)
		rep.Polls += res.Polls
		o.metrics.ObservePolls(res.Polls)
		o.settleAttempt(&rep, job.State, res.Outcome.Attempt)

		outcome := res.Outcome
		if outcome.Kind != domain.OutcomeFailure || outcome.Attempt == nil {
			return finish(outcome)
		}

		diag := o.diagnose(ctx, job.Name, *outcome.Attempt)
		outcome.Category = diag.Category
		logger.Warn("deployment failed",
			"deployment_id", diag.DeploymentID,
			"category", diag.Category,
			"suggestion", diag.Category.Suggestion(),
		)

		if applied >= o.config.MaxRemediations {
			logger.Info("remediation budget exhausted", "applied", applied)
			return finish(outcome)
		}

		result := o.remediator.Remediate(ctx, job, diag.Category, def.CorrectedPath)
		o.metrics.ObserveRemediation(result.Outcome)
		record := domain.RemediationRecord{
			Category: diag.Category,
			Outcome:  result.Outcome,
			Reason:   result.Reason,
		}
		if result.Attempt != nil {
			record.DeploymentID = result.Attempt.ID
		}
		rep.Remediations = append(rep.Remediations, record)

		if result.Outcome != domain.RemediationApplied {
			if ctx.Err() != nil {
				return finish(domain.JobOutcome{Kind: domain.OutcomeCancelled, Err: ctx.Err()})
			}
			return finish(outcome)
		}

		applied++
		o.startAttempt(job, &rep, result.Attempt)
	}
}

// resolve finds the control-plane job for def, creating it when allowed.
func (o *Orchestrator) resolve(ctx context.Context, def topology.JobDef) (*domain.DeploymentJob, error) {
	if def.ComposeID != "" {
		job, err := o.cp.GetJob(ctx, def.ComposeID)
		if err != nil {
			return nil, err
		}
		if job.Name == "" {
			job.Name = def.Name
		}
		return job, nil
	}

	job, err := o.cp.FindJobByName(ctx, o.config.Project, def.Name)
	if err == nil || !controlplane.IsNotFound(err) || !o.config.CreateMissing {
		return job, err
	}

	if def.Source.Validate() != nil {
		return nil, fmt.Errorf("job %s not found and has no complete source to create it from: %w", def.Name, err)
	}
	if o.config.Project == "" {
		return nil, fmt.Errorf("job %s not found and no project is configured to create it in: %w", def.Name, err)
	}

	projectID, err := o.cp.EnsureProject(ctx, o.config.Project)
	if err != nil {
		return nil, err
	}
	o.logger.Info("creating missing job", "job", def.Name, "project", o.config.Project)
	return o.cp.CreateJob(ctx, domain.JobSpec{
		Name:      def.Name,
		ProjectID: projectID,
		Source:    def.Source,
	})
}

// diagnose classifies a failed attempt, fetching its log when the listing
// carried none.
func (o *Orchestrator) diagnose(ctx context.Context, jobName string, attempt domain.DeploymentAttempt) *domain.ClassifiedFailure {
	if attempt.LogExcerpt == "" && attempt.ID != "" {
		log, err := o.cp.GetAttemptLog(ctx, attempt.ID)
		if err != nil {
			o.logger.Warn("failed to fetch deployment log", "deployment_id", attempt.ID, "error", err)
		}
		attempt.LogExcerpt = log
	}
	return diagnosis.Diagnose(o.classifier, jobName, attempt)
}

// startAttempt records a new attempt and points the job at it, so the poller
// only accepts a terminal state reported for this attempt. A terminal status on
// the returned attempt is reset to queued.
func (o *Orchestrator) startAttempt(job *domain.DeploymentJob, rep *domain.JobReport, attempt *domain.DeploymentAttempt) {
	job.LastDeploymentID = attempt.ID
	if attempt.Status.IsTerminal() {
		attempt.Status = domain.StateQueued
	}
	job.State = attempt.Status
	rep.Attempts = append(rep.Attempts, *attempt)
}

// settleAttempt updates the latest recorded attempt with what the poll saw.
func (o *Orchestrator) settleAttempt(rep *domain.JobReport, state domain.JobState, observed *domain.DeploymentAttempt) {
	n := len(rep.Attempts)
	if n == 0 {
		return
	}
	last := &rep.Attempts[n-1]
	if observed != nil {
		if last.ID == "" || last.ID == observed.ID {
			*last = *observed
			return
		}
	}
	last.Status = state
}

func (o *Orchestrator) recordTransition(t domain.Transition) {
	o.mu.Lock()
	o.transitions[t.JobID] = append(o.transitions[t.JobID], t)
	o.mu.Unlock()

	if o.onTransition != nil {
		o.onTransition(t)
	}
}

func (o *Orchestrator) takeTransitions(jobID string) []domain.Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.transitions[jobID]
	delete(o.transitions, jobID)
	return t
}

func cancelledReport(def topology.JobDef, err error) domain.JobReport {
	return domain.JobReport{
		JobID:   def.ComposeID,
		JobName: def.Name,
		Outcome: domain.JobOutcome{Kind: domain.OutcomeCancelled, Err: err},
	}
}
