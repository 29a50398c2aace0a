package domain

import "fmt"

// =============================================================================
// Failure Category
// =============================================================================

// FailureCategory is the closed set of diagnoses a failed deployment can get.
type FailureCategory string

const (
	FailurePathNotFound         FailureCategory = "path_not_found"
	FailureBuildFailed          FailureCategory = "build_failed"
	FailureDependencyUnresolved FailureCategory = "dependency_unresolved"
	FailureUnknown              FailureCategory = "unknown"
)

// Suggestion returns the operator-facing remediation hint for a category.
func (c FailureCategory) Suggestion() string {
	switch c {
	case FailurePathNotFound:
		return "compose path is missing from the source tree; point the job at the correct path"
	case FailureBuildFailed:
		return "image build failed; inspect the build output and fix the Dockerfile or build context"
	case FailureDependencyUnresolved:
		return "a referenced service or dependency could not be resolved; check depends_on and external networks"
	default:
		return "no known pattern matched; review the deployment log"
	}
}

// AutoRemediable reports whether the category has a mechanical fix.
func (c FailureCategory) AutoRemediable() bool {
	return c == FailurePathNotFound
}

// =============================================================================
// Classified Failure
// =============================================================================

// ClassifiedFailure is a terminal deployment failure with its best-effort diagnosis.
// The raw excerpt is always kept so an unknown category can still be triaged.
type ClassifiedFailure struct {
	JobName      string
	DeploymentID string
	Category     FailureCategory
	LogExcerpt   string
}

func (f *ClassifiedFailure) Error() string {
	return fmt.Sprintf("deployment %s of %s failed: %s", f.DeploymentID, f.JobName, f.Category)
}
