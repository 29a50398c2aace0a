// Package diagnosis maps unstructured deployment log text onto failure categories.
// This package contains NO I/O.
package diagnosis

import (
	"strings"

	"github.com/artpar/fleetpilot/internal/core/domain"
)

// Classifier turns a log excerpt into a failure category. Callers depend on this
// interface so the substring rules can be replaced by a structured-error consumer.
type Classifier interface {
	Classify(logExcerpt string) domain.FailureCategory
}

// Rule maps a case-insensitive substring to a category.
type Rule struct {
	Pattern  string
	Category domain.FailureCategory
}

// DefaultRules is the ordered rule list. Order is the tie-break when several
// patterns occur in the same log: a build log that also mentions "dependency"
// is still a build failure.
var DefaultRules = []Rule{
	{Pattern: "no such file", Category: domain.FailurePathNotFound},
	{Pattern: "failed to build", Category: domain.FailureBuildFailed},
	{Pattern: "dependency", Category: domain.FailureDependencyUnresolved},
}

// RuleClassifier applies rules in order; the first match wins.
type RuleClassifier struct {
	rules []Rule
}

// NewRuleClassifier creates a classifier over the given rules. Nil means DefaultRules.
func NewRuleClassifier(rules []Rule) *RuleClassifier {
	if rules == nil {
		rules = DefaultRules
	}
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		normalized = append(normalized, Rule{Pattern: strings.ToLower(r.Pattern), Category: r.Category})
	}
	return &RuleClassifier{rules: normalized}
}

// Classify returns the category of the first matching rule, or FailureUnknown.
func (c *RuleClassifier) Classify(logExcerpt string) domain.FailureCategory {
	text := strings.ToLower(logExcerpt)
	for _, r := range c.rules {
		if strings.Contains(text, r.Pattern) {
			return r.Category
		}
	}
	return domain.FailureUnknown
}

// Classify uses the default rules.
func Classify(logExcerpt string) domain.FailureCategory {
	return defaultClassifier.Classify(logExcerpt)
}

var defaultClassifier = NewRuleClassifier(nil)

// Diagnose classifies a failed attempt and keeps the raw excerpt for triage.
func Diagnose(c Classifier, jobName string, attempt domain.DeploymentAttempt) *domain.ClassifiedFailure {
	if c == nil {
		c = defaultClassifier
	}
	return &domain.ClassifiedFailure{
		JobName:      jobName,
		DeploymentID: attempt.ID,
		Category:     c.Classify(attempt.LogExcerpt),
		LogExcerpt:   attempt.LogExcerpt,
	}
}
