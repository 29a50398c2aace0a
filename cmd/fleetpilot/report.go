package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/artpar/fleetpilot/internal/core/health"
	"github.com/artpar/fleetpilot/internal/shell/docker"
	"github.com/artpar/fleetpilot/internal/shell/store"
)

// =============================================================================
// Run Report
// =============================================================================

func printReport(out io.Writer, report *domain.RunReport, format string) error {
	if format == "json" {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "Run %s (%s, project %s)\n", report.ID, report.Mode(), valueOr(report.Project, "-"))

	if len(report.Jobs) > 0 {
		fmt.Fprintln(out, "\nJobs:")
		tw := newTable(out)
		fmt.Fprintln(tw, "  NAME\tOUTCOME\tATTEMPTS\tPOLLS\tELAPSED")
		for _, j := range report.Jobs {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%s\n",
				j.JobName, j.Outcome, len(j.Attempts), j.Polls, j.Elapsed.Round(time.Millisecond))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		for _, j := range report.Jobs {
			for _, r := range j.Remediations {
				fmt.Fprintf(out, "  %s: remediation for %s %s", j.JobName, r.Category, r.Outcome)
				if r.Reason != "" {
					fmt.Fprintf(out, " (%s)", r.Reason)
				}
				fmt.Fprintln(out)
			}
			if j.Outcome.Kind == domain.OutcomeFailure && j.Outcome.Category != "" {
				fmt.Fprintf(out, "  %s: %s\n", j.JobName, j.Outcome.Category.Suggestion())
			}
		}
	}

	if report.Health != nil {
		printHealth(out, report.Health)
	} else if report.SkippedVerification != "" {
		fmt.Fprintf(out, "\nVerification skipped: %s\n", report.SkippedVerification)
	}

	if len(report.Containers) > 0 {
		down := docker.NotRunning(report.Containers)
		fmt.Fprintf(out, "\nContainers: %d running, %d not running\n", len(report.Containers)-len(down), len(down))
		for _, c := range down {
			fmt.Fprintf(out, "  %s (%s): %s\n", c.Name, c.Service, c.State)
		}
	}

	result := "OK"
	switch report.ExitCode() {
	case domain.ExitFailure:
		result = "FAILED"
	case domain.ExitCancelled:
		result = "CANCELLED"
	}
	fmt.Fprintf(out, "\nResult: %s (exit %d)\n", result, report.ExitCode())
	return nil
}

func printHealth(out io.Writer, h *domain.HealthReport) {
	fmt.Fprintf(out, "\nHealth: %s (%d passed, %d warned, %d failed, %.0f%%)\n",
		h.Verdict, h.Passed, h.Warned, h.Failed, h.SuccessRate*100)

	tw := newTable(out)
	fmt.Fprintln(tw, "  PROBE\tTIER\tKIND\tSTATUS\tCODE\tLATENCY\tDETAIL")
	for _, r := range h.Results {
		code := "-"
		if r.ObservedCode != 0 {
			code = fmt.Sprint(r.ObservedCode)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, valueOr(string(r.Tier), "-"), r.Kind, strings.ToUpper(string(r.Status)),
			code, r.Latency.Round(time.Millisecond), r.Error)
	}
	_ = tw.Flush()

	grouped := health.ByTier(*h)
	var tiers []string
	order := append(append([]domain.Tier(nil), domain.Tiers...), "")
	for _, tier := range order {
		results, ok := grouped[tier]
		if !ok {
			continue
		}
		tiers = append(tiers, fmt.Sprintf("%s %d/%d",
			valueOr(string(tier), "untiered"), countStatus(results, domain.ProbePassed), len(results)))
	}
	if len(tiers) > 0 {
		fmt.Fprintf(out, "  Passed by tier: %s\n", strings.Join(tiers, ", "))
	}
}

// =============================================================================
// History
// =============================================================================

func printRuns(out io.Writer, runs []store.RunSummary) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := newTable(out)
	fmt.Fprintln(tw, "ID\tSTARTED\tMODE\tPROJECT\tJOBS\tFAILED\tVERDICT\tEXIT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%d\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Mode, valueOr(r.Project, "-"),
			r.JobCount, r.FailedJobs, valueOr(string(r.Verdict), "-"), r.ExitCode)
	}
	return tw.Flush()
}

func printRunDetail(out io.Writer, run *store.RunSummary, jobs []store.JobOutcomeRecord, probes []domain.ProbeResult) error {
	fmt.Fprintf(out, "Run %s (%s, project %s)\n", run.ID, run.Mode, valueOr(run.Project, "-"))
	fmt.Fprintf(out, "Started %s, took %s, exit %d\n",
		run.StartedAt.Local().Format(time.DateTime), run.Duration().Round(time.Millisecond), run.ExitCode)

	if len(jobs) > 0 {
		fmt.Fprintln(out, "\nJobs:")
		tw := newTable(out)
		fmt.Fprintln(tw, "  NAME\tOUTCOME\tCATEGORY\tATTEMPTS\tREMEDIATIONS\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%s\n",
				j.JobName, j.Outcome, valueOr(string(j.Category), "-"), j.Attempts, len(j.Remediations), j.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(probes) > 0 {
		printHealth(out, &domain.HealthReport{
			Results:     probes,
			Total:       len(probes),
			Passed:      countStatus(probes, domain.ProbePassed),
			Warned:      countStatus(probes, domain.ProbeWarned),
			Failed:      countStatus(probes, domain.ProbeFailed),
			SuccessRate: derefOr(run.SuccessRate, 1),
			Verdict:     run.Verdict,
		})
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func derefOr(f *float64, fallback float64) float64 {
	if f == nil {
		return fallback
	}
	return *f
}

func countStatus(results []domain.ProbeResult, status domain.ProbeStatus) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}
