// Package verifier probes fleet services over HTTP and TCP and aggregates the
// results into a health report.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/artpar/fleetpilot/internal/core/health"
)

// Config configures the verifier.
type Config struct {
	// HTTPTimeout bounds one HTTP probe.
	// Default: 10 seconds.
	HTTPTimeout time.Duration

	// TCPTimeout bounds one TCP connect.
	// Default: 5 seconds.
	TCPTimeout time.Duration

	// MaxConcurrent is the maximum number of probes in flight.
	// Default: 10.
	MaxConcurrent int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:   10 * time.Second,
		TCPTimeout:    5 * time.Second,
		MaxConcurrent: 10,
	}
}

// Verifier runs one probe pass at a time over a set of service probes.
type Verifier struct {
	config     Config
	httpClient *http.Client
	dialer     *net.Dialer
	logger     *slog.Logger
}

// New creates a verifier.
func New(config Config, logger *slog.Logger) *Verifier {
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 10 * time.Second
	}
	if config.TCPTimeout == 0 {
		config.TCPTimeout = 5 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
			// A redirect is reported as its own status code.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &net.Dialer{Timeout: config.TCPTimeout},
		logger: logger.With("component", "verifier"),
	}
}

// Verify runs every probe once and returns the aggregated report. Probe
// failures are recorded in the report; Verify itself never fails. Probes not
// started before ctx is cancelled are recorded as failed.
func (v *Verifier) Verify(ctx context.Context, probes []domain.ServiceProbe) domain.HealthReport {
	v.logger.Debug("starting verification", "probe_count", len(probes))

	results := make(chan domain.ProbeResult, len(probes))
	sem := make(chan struct{}, v.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range probes {
		probe := probes[i]

		wg.Add(1)
		go func(p domain.ServiceProbe) {
			defer wg.Done()

			// Acquire semaphore
			select {
			case <-ctx.Done():
				results <- failedResult(p, 0, &domain.ProbeError{Probe: p.Name, Err: ctx.Err()})
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			results <- v.probe(ctx, p)
		}(probe)
	}

	wg.Wait()
	close(results)

	collected := make([]domain.ProbeResult, 0, len(probes))
	for r := range results {
		collected = append(collected, r)
	}

	report := health.Aggregate(collected, time.Now().UTC())
	v.logger.Info("verification complete",
		"verdict", report.Verdict,
		"passed", report.Passed,
		"warned", report.Warned,
		"failed", report.Failed,
	)
	return report
}

func (v *Verifier) probe(ctx context.Context, probe domain.ServiceProbe) domain.ProbeResult {
	logger := v.logger.With("probe", probe.Name, "target", probe.Target)

	var result domain.ProbeResult
	switch probe.Kind {
	case domain.ProbeHTTP:
		result = v.probeHTTP(ctx, probe)
	case domain.ProbeTCP:
		result = v.probeTCP(ctx, probe)
	default:
		result = failedResult(probe, 0, &domain.ProbeError{Probe: probe.Name, Err: fmt.Errorf("%w: %q", domain.ErrUnknownProbeKind, probe.Kind)})
	}

	switch result.Status {
	case domain.ProbeFailed:
		logger.Warn("probe failed", "error", result.Error)
	case domain.ProbeWarned:
		logger.Warn("probe returned unexpected status", "code", result.ObservedCode)
	default:
		logger.Debug("probe passed", "latency", result.Latency)
	}
	return result
}

func (v *Verifier) probeHTTP(ctx context.Context, probe domain.ServiceProbe) domain.ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.Target, nil)
	if err != nil {
		return failedResult(probe, 0, &domain.ProbeError{Probe: probe.Name, Err: err})
	}
	req.Header.Set("User-Agent", "fleetpilot-verifier")

	resp, err := v.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return failedResult(probe, latency, &domain.ProbeError{Probe: probe.Name, Err: err})
	}
	resp.Body.Close()

	return domain.ProbeResult{
		Name:         probe.Name,
		Tier:         probe.Tier,
		Kind:         probe.Kind,
		Target:       probe.Target,
		Status:       health.ClassifyHTTPStatus(probe, resp.StatusCode),
		ObservedCode: resp.StatusCode,
		Latency:      latency,
	}
}

func (v *Verifier) probeTCP(ctx context.Context, probe domain.ServiceProbe) domain.ProbeResult {
	start := time.Now()

	conn, err := v.dialer.DialContext(ctx, "tcp", probe.Target)
	latency := time.Since(start)
	if err != nil {
		return failedResult(probe, latency, &domain.ProbeError{Probe: probe.Name, Err: err})
	}
	conn.Close()

	return domain.ProbeResult{
		Name:    probe.Name,
		Tier:    probe.Tier,
		Kind:    probe.Kind,
		Target:  probe.Target,
		Status:  domain.ProbePassed,
		Latency: latency,
	}
}

func failedResult(probe domain.ServiceProbe, latency time.Duration, err error) domain.ProbeResult {
	return domain.ProbeResult{
		Name:    probe.Name,
		Tier:    probe.Tier,
		Kind:    probe.Kind,
		Target:  probe.Target,
		Status:  domain.ProbeFailed,
		Latency: latency,
		Error:   err.Error(),
	}
}
