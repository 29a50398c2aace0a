package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Poll         PollConfig         `mapstructure:"poll"`
	Verify       VerifyConfig       `mapstructure:"verify"`
	Remediation  RemediationConfig  `mapstructure:"remediation"`
	Log          LogConfig          `mapstructure:"log"`
	History      HistoryConfig      `mapstructure:"history"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Topology     TopologyConfig     `mapstructure:"topology"`
}

// ControlPlaneConfig holds control-plane client configuration.
type ControlPlaneConfig struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryMax        int           `mapstructure:"retry_max"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	LogExcerptLimit int           `mapstructure:"log_excerpt_limit"`
}

// Validate checks the settings needed to talk to the control plane.
func (c ControlPlaneConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("control_plane.url is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("control_plane.api_key is required")
	}
	return nil
}

// PollConfig holds job status polling configuration.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxWait  time.Duration `mapstructure:"max_wait"`

	// Parallel polls all jobs at once instead of one after another.
	Parallel bool `mapstructure:"parallel"`
}

// VerifyConfig holds fleet health verification configuration.
type VerifyConfig struct {
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	TCPTimeout    time.Duration `mapstructure:"tcp_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

// RemediationConfig holds automatic remediation configuration.
type RemediationConfig struct {
	// MaxAttempts bounds applied remediations per job.
	MaxAttempts int `mapstructure:"max_attempts"`

	// OnConflict is "reject" or "waitForExisting".
	OnConflict string `mapstructure:"on_conflict"`

	// CreateMissing registers jobs that are declared with a source but do not
	// exist on the control plane.
	CreateMissing bool `mapstructure:"create_missing"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HistoryConfig holds run history configuration. An empty DSN disables it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// RuntimeConfig holds container runtime snapshot configuration.
type RuntimeConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DockerHost string `mapstructure:"docker_host"`
	Project    string `mapstructure:"project"` // compose project; defaults to the topology project
}

// GitHubConfig holds credentials for the corrected-path check.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

// TopologyConfig locates the fleet declaration.
type TopologyConfig struct {
	File string `mapstructure:"file"`
}

// =============================================================================
// Config Loading
// =============================================================================

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"poll-interval":  "poll.interval",
	"max-wait":       "poll.max_wait",
	"parallel":       "poll.parallel",
	"topology":       "topology.file",
	"on-conflict":    "remediation.on_conflict",
	"create-missing": "remediation.create_missing",
	"settle-delay":   "verify.settle_delay",
	"history-dsn":    "history.dsn",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// LoadConfig loads configuration from file and environment. Flags that are
// present in flags override both.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("control_plane.url", "")
	v.SetDefault("control_plane.api_key", "")
	v.SetDefault("control_plane.timeout", "10s")
	v.SetDefault("control_plane.retry_max", 3)
	v.SetDefault("control_plane.rate_limit", 0)
	v.SetDefault("control_plane.rate_burst", 1)
	v.SetDefault("control_plane.log_excerpt_limit", 8192)
	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.max_wait", "60m")
	v.SetDefault("poll.parallel", false)
	v.SetDefault("verify.http_timeout", "10s")
	v.SetDefault("verify.tcp_timeout", "5s")
	v.SetDefault("verify.max_concurrent", 10)
	v.SetDefault("verify.settle_delay", "0s")
	v.SetDefault("remediation.max_attempts", 1)
	v.SetDefault("remediation.on_conflict", "reject")
	v.SetDefault("remediation.create_missing", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("runtime.enabled", false)
	v.SetDefault("runtime.docker_host", "")
	v.SetDefault("runtime.project", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("topology.file", "fleet.yaml")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("FLEETPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Remediation.OnConflict {
	case "reject", "waitForExisting":
	default:
		return nil, fmt.Errorf("remediation.on_conflict must be reject or waitForExisting, got %q", cfg.Remediation.OnConflict)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to stderr so that stdout carries only the run report.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
