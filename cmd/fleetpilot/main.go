// Command fleetpilot deploys a fleet of compose jobs through a remote control
// plane, repairs known failure modes and verifies the fleet afterwards.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ExitConfigError is returned when the run could not start: bad configuration,
// an unreadable topology or an unknown job. Run outcomes use domain.ExitOK,
// domain.ExitFailure and domain.ExitCancelled.
const ExitConfigError = 3

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli{stdout: stdout, stderr: stderr}
	root := app.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if app.exitCode == domain.ExitOK {
			return ExitConfigError
		}
	}
	return app.exitCode
}

// =============================================================================
// Commands
// =============================================================================

// cli carries state shared by all subcommands.
type cli struct {
	stdout   io.Writer
	stderr   io.Writer
	exitCode int

	configPath string
}

func (a *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetpilot",
		Short: "Deploy and verify a fleet of compose jobs",
		Long: `fleetpilot triggers deployments on a remote control plane, polls them to a
terminal state, repairs known failure modes and probes the running fleet.

Exit codes: 0 healthy, 1 a job failed or the fleet is unhealthy, 2 cancelled,
3 the run could not start.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("FLEETPILOT_CONFIG_FILE"), "Path to config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.String("history-dsn", "", "SQLite database for run history (empty disables)")
	flags.String("topology", "", "Path to the fleet topology file")

	root.AddCommand(a.deployCommand())
	root.AddCommand(a.verifyCommand())
	root.AddCommand(a.historyCommand())
	root.AddCommand(a.versionCommand())
	return root
}

func (a *cli) deployCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy jobs, repair known failures and verify the fleet",
		Long: `Deploy triggers every selected job (all jobs when --job is not given), polls
each one until it finishes, classifies failures and applies automatic fixes.
When every job succeeded the fleet is probed.`,
		Example: `  fleetpilot deploy --job infra --job backend
  fleetpilot deploy --parallel --max-wait 20m
  fleetpilot deploy --verify-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.jobs, "job", "j", nil, "Job to deploy (repeatable)")
	flags.BoolVar(&opts.verifyOnly, "verify-only", false, "Skip deployment and only verify the fleet")
	flags.StringVarP(&opts.output, "output", "o", "text", "Report format (text, json)")
	flags.Duration("poll-interval", 0, "Delay between status polls")
	flags.Duration("max-wait", 0, "Give up on a job after this long")
	flags.Bool("parallel", false, "Poll all jobs concurrently")
	flags.String("on-conflict", "", "When a deployment is already running: reject or waitForExisting")
	flags.Bool("create-missing", false, "Create declared jobs that do not exist yet")
	flags.Duration("settle-delay", 0, "Wait this long before verification")
	return cmd
}

func (a *cli) verifyCommand() *cobra.Command {
	opts := runOptions{verifyOnly: true}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Probe the fleet without deploying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "Report format (text, json)")
	cmd.Flags().Duration("settle-delay", 0, "Wait this long before verification")
	return cmd
}

func (a *cli) historyCommand() *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.History.DSN == "" {
				return fmt.Errorf("history is disabled: set history.dsn or --history-dsn")
			}
			if len(args) == 1 {
				return showRun(cmd.Context(), cfg.History.DSN, args[0], output, a.stdout)
			}
			return listRuns(cmd.Context(), cfg.History.DSN, limit, output, a.stdout)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func (a *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "fleetpilot version %s\n", Version)
			fmt.Fprintf(a.stdout, "  Git commit:  %s\n", GitCommit)
			fmt.Fprintf(a.stdout, "  Build date:  %s\n", BuildTime)
			fmt.Fprintf(a.stdout, "  Go version:  %s\n", runtime.Version())
			fmt.Fprintf(a.stdout, "  OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// execute loads configuration and runs the fleet. A nil error with a non-zero
// exit code is a run that completed with a bad outcome.
func (a *cli) execute(cmd *cobra.Command, opts runOptions) error {
	cfg, err := LoadConfig(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger := SetupLogger(cfg)
	logger.Debug("configuration loaded",
		"config", a.configPath,
		"topology", cfg.Topology.File,
		"poll_interval", cfg.Poll.Interval,
		"max_wait", cfg.Poll.MaxWait,
	)

	start := time.Now()
	code, err := runFleet(cmd.Context(), cfg, opts, a.stdout, logger)
	if err != nil {
		return err
	}
	a.exitCode = code
	logger.Debug("fleetpilot finished", "exit_code", code, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
