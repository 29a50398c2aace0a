// Package metrics records run metrics in a private Prometheus registry and
// exports them in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetpilot"

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Recorder holds the controller's metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	registry *prometheus.Registry

	pollRequests  prometheus.Counter
	jobOutcomes   *prometheus.CounterVec
	remediations  *prometheus.CounterVec
	probeResults  *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
	lastExitCode  prometheus.Gauge
	lastRunFinish prometheus.Gauge
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pollRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Number of job status polls sent to the control plane",
		}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Terminal job outcomes",
		}, []string{"outcome"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation decisions by outcome",
		}, []string{"outcome"}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Health probe results by tier and status",
		}, []string{"tier", "status"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Latency distribution of health probes",
			Buckets:   latencyBuckets,
		}, []string{"kind"}),
		lastExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_exit_code",
			Help:      "Exit code of the most recent run",
		}),
		lastRunFinish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the most recent run finished",
		}),
	}

	r.registry.MustRegister(
		r.pollRequests,
		r.jobOutcomes,
		r.remediations,
		r.probeResults,
		r.probeLatency,
		r.lastExitCode,
		r.lastRunFinish,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObservePolls adds n status polls.
func (r *Recorder) ObservePolls(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.pollRequests.Add(float64(n))
}

// ObserveJobOutcome counts one terminal job outcome.
func (r *Recorder) ObserveJobOutcome(kind domain.OutcomeKind) {
	if r == nil {
		return
	}
	r.jobOutcomes.WithLabelValues(string(kind)).Inc()
}

// ObserveRemediation counts one remediation decision.
func (r *Recorder) ObserveRemediation(outcome domain.RemediationOutcome) {
	if r == nil {
		return
	}
	r.remediations.WithLabelValues(string(outcome)).Inc()
}

// ObserveHealth records every probe result of a report.
func (r *Recorder) ObserveHealth(report domain.HealthReport) {
	if r == nil {
		return
	}
	for _, res := range report.Results {
		tier := string(res.Tier)
		if tier == "" {
			tier = "none"
		}
		r.probeResults.WithLabelValues(tier, string(res.Status)).Inc()
		r.probeLatency.WithLabelValues(string(res.Kind)).Observe(res.Latency.Seconds())
	}
}

// ObserveRun records the run-level gauges.
func (r *Recorder) ObserveRun(report *domain.RunReport) {
	if r == nil {
		return
	}
	r.lastExitCode.Set(float64(report.ExitCode()))
	r.lastRunFinish.Set(float64(report.FinishedAt.Unix()))
}

// WriteTextfile writes all metrics to path, creating its directory if needed.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
