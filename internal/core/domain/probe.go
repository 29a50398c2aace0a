package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// =============================================================================
// Probe Errors
// =============================================================================

var (
	ErrProbeNameRequired   = errors.New("probe name is required")
	ErrProbeTargetRequired = errors.New("probe target is required")
	ErrUnknownProbeKind    = errors.New("unknown probe kind")
	ErrUnknownTier         = errors.New("unknown tier")
)

// =============================================================================
// Tiers and Kinds
// =============================================================================

// Tier groups services of the fleet.
type Tier string

const (
	TierInfrastructure Tier = "infrastructure"
	TierBackend        Tier = "backend"
	TierFrontend       Tier = "frontend"
)

// Tiers lists the tiers in deployment order.
var Tiers = []Tier{TierInfrastructure, TierBackend, TierFrontend}

// Valid reports whether t is one of the known tiers. The empty tier is allowed.
func (t Tier) Valid() bool {
	return t == "" || slices.Contains(Tiers, t)
}

// ProbeKind selects how a probe talks to its target.
type ProbeKind string

const (
	ProbeHTTP ProbeKind = "http"
	ProbeTCP  ProbeKind = "tcp"
)

// DefaultExpectedStatusCodes is used for HTTP probes that do not list their own.
var DefaultExpectedStatusCodes = []int{200, 301, 302}

// =============================================================================
// Service Probe
// =============================================================================

// ServiceProbe is a single health check against one running service endpoint.
type ServiceProbe struct {
	Name                string    `json:"name" yaml:"name"`
	Tier                Tier      `json:"tier,omitempty" yaml:"tier"`
	Kind                ProbeKind `json:"kind" yaml:"kind"`
	Target              string    `json:"target" yaml:"target"`
	ExpectedStatusCodes []int     `json:"expected_status,omitempty" yaml:"expected_status"`
}

// Validate checks a probe definition.
func (p ServiceProbe) Validate() error {
	if p.Name == "" {
		return ErrProbeNameRequired
	}
	if p.Target == "" {
		return fmt.Errorf("%s: %w", p.Name, ErrProbeTargetRequired)
	}
	if p.Kind != ProbeHTTP && p.Kind != ProbeTCP {
		return fmt.Errorf("%s: %w %q", p.Name, ErrUnknownProbeKind, p.Kind)
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("%s: %w %q", p.Name, ErrUnknownTier, p.Tier)
	}
	return nil
}

// Expects reports whether an HTTP status code counts as passing.
func (p ServiceProbe) Expects(code int) bool {
	codes := p.ExpectedStatusCodes
	if len(codes) == 0 {
		codes = DefaultExpectedStatusCodes
	}
	return slices.Contains(codes, code)
}

// =============================================================================
// Probe Result
// =============================================================================

// ProbeStatus is the per-probe verdict.
type ProbeStatus string

const (
	ProbePassed ProbeStatus = "passed"
	ProbeWarned ProbeStatus = "warned"
	ProbeFailed ProbeStatus = "failed"
)

// ProbeResult is the outcome of running one ServiceProbe.
type ProbeResult struct {
	Name         string        `json:"name"`
	Tier         Tier          `json:"tier,omitempty"`
	Kind         ProbeKind     `json:"kind"`
	Target       string        `json:"target"`
	Status       ProbeStatus   `json:"status"`
	ObservedCode int           `json:"observed_code,omitempty"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

func (r ProbeResult) Passed() bool { return r.Status == ProbePassed }
func (r ProbeResult) Warned() bool { return r.Status == ProbeWarned }
func (r ProbeResult) Failed() bool { return r.Status == ProbeFailed }

// ProbeError is a connectivity failure for a single probe. It is recorded in the
// report and never aborts a verification pass.
type ProbeError struct {
	Probe string
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Probe, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Health Report
// =============================================================================

// Verdict is the overall fleet health.
type Verdict string

const (
	VerdictAllHealthy          Verdict = "AllHealthy"
	VerdictHealthyWithWarnings Verdict = "HealthyWithWarnings"
	VerdictUnhealthy           Verdict = "Unhealthy"
)

// HealthReport is a point-in-time snapshot of the fleet. It is built once by
// the aggregation functions and not mutated afterwards.
type HealthReport struct {
	Results     []ProbeResult `json:"results"`
	Total       int           `json:"total"`
	Passed      int           `json:"passed"`
	Warned      int           `json:"warned"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	Verdict     Verdict       `json:"verdict"`
	CheckedAt   time.Time     `json:"checked_at"`
}
