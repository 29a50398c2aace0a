// Package remediation applies the mechanical fix for diagnosed deployment
// failures and re-triggers the deployment.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/fleetpilot/internal/core/domain"
)

// JobUpdater is the slice of the control-plane client the engine needs.
type JobUpdater interface {
	UpdateJobSource(ctx context.Context, id string, src domain.SourceRef) (*domain.DeploymentJob, error)
	TriggerDeploy(ctx context.Context, id string) (*domain.DeploymentAttempt, error)
}

// SourceChecker reports whether a compose path exists in source control.
type SourceChecker interface {
	PathExists(ctx context.Context, src domain.SourceRef) (bool, error)
}

// ErrCorrectedPathMissing is recorded when the checker cannot find the
// corrected path on the job's branch.
var ErrCorrectedPathMissing = errors.New("corrected path does not exist on branch")

// Result is what one remediation did.
type Result struct {
	Outcome  domain.RemediationOutcome
	Category domain.FailureCategory
	Reason   string

	// Attempt is the deployment started by an applied remediation.
	Attempt *domain.DeploymentAttempt
	Err     error
}

// Engine decides and applies remediations.
type Engine struct {
	updater JobUpdater
	checker SourceChecker
	logger  *slog.Logger
}

// NewEngine creates a remediation engine. checker may be nil.
func NewEngine(updater JobUpdater, checker SourceChecker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		updater: updater,
		checker: checker,
		logger:  logger.With("component", "remediation"),
	}
}

// Remediate applies the fix for category to job. Only path_not_found has one:
// the job's compose path is replaced by correctedPath, the source is updated
// and a new deployment is triggered. On Applied, job.Source and
// job.LastDeploymentID reflect the change.
func (e *Engine) Remediate(ctx context.Context, job *domain.DeploymentJob, category domain.FailureCategory, correctedPath string) Result {
	logger := e.logger.With("job", job.Name, "job_id", job.ID, "category", category)
	res := Result{Category: category}

	if !category.AutoRemediable() {
		res.Outcome = domain.RemediationNotApplicable
		res.Reason = category.Suggestion()
		logger.Info("no automatic remediation", "suggestion", res.Reason)
		return res
	}
	if correctedPath == "" {
		res.Outcome = domain.RemediationNotApplicable
		res.Reason = "no corrected path configured for job"
		logger.Info("no automatic remediation", "reason", res.Reason)
		return res
	}
	if correctedPath == job.Source.Path {
		res.Outcome = domain.RemediationNotApplicable
		res.Reason = fmt.Sprintf("job already points at %s", correctedPath)
		logger.Info("no automatic remediation", "reason", res.Reason)
		return res
	}

	fixed := job.Source.WithPath(correctedPath)

	if e.checker != nil {
		exists, err := e.checker.PathExists(ctx, fixed)
		switch {
		case errors.Is(err, ErrUnsupportedRepository):
			logger.Debug("skipping source path check", "repository", fixed.Repository)
		case err != nil:
			logger.Warn("source path check failed, applying fix anyway", "error", err)
		case !exists:
			res.Outcome = domain.RemediationFailed
			res.Err = fmt.Errorf("%s: %w", fixed.String(), ErrCorrectedPathMissing)
			res.Reason = res.Err.Error()
			logger.Warn("corrected path not found in repository", "source", fixed.String())
			return res
		}
	}

	logger.Info("applying path fix", "from", job.Source.Path, "to", correctedPath)

	updated, err := e.updater.UpdateJobSource(ctx, job.ID, fixed)
	if err != nil {
		res.Outcome = domain.RemediationFailed
		res.Err = fmt.Errorf("update job source: %w", err)
		res.Reason = res.Err.Error()
		logger.Error("path fix failed", "error", err)
		return res
	}
	job.Source = fixed
	if updated != nil && updated.Source.Path != "" {
		job.Source = updated.Source
	}

	attempt, err := e.updater.TriggerDeploy(ctx, job.ID)
	if err != nil {
		res.Outcome = domain.RemediationFailed
		res.Err = fmt.Errorf("trigger deploy: %w", err)
		res.Reason = res.Err.Error()
		logger.Error("redeploy after path fix failed", "error", err)
		return res
	}
	job.LastDeploymentID = attempt.ID

	res.Outcome = domain.RemediationApplied
	res.Attempt = attempt
	res.Reason = fmt.Sprintf("compose path set to %s", correctedPath)
	logger.Info("remediation applied", "deployment_id", attempt.ID)
	return res
}
