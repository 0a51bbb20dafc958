// Package config defines the host configuration, loaded from a YAML file
// with ${VAR} references resolved from the environment (optionally seeded
// from a .env file).
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all host configuration.
type Config struct {
	// Name is the bot name; a restart command naming it (or naming no
	// target) restarts this process.
	Name string `yaml:"name"`

	// Timezone is the fixed timezone cron schedules are evaluated in
	// (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone"`

	// MailboxRoot is the directory holding per-group mailbox directories.
	MailboxRoot string `yaml:"mailbox_root"`

	// StateDir holds host state: the session ledger, worker input
	// directories, and transcript archives.
	StateDir string `yaml:"state_dir"`

	// Database configures the central SQLite database (denclaw.db).
	Database DatabaseConfig `yaml:"database"`

	// Budget configures the capability usage ledger.
	Budget BudgetConfig `yaml:"budget"`

	// Engine configures the reasoning engine invocation.
	Engine EngineConfig `yaml:"engine"`

	// Router configures the mailbox scan loop.
	Router RouterConfig `yaml:"router"`

	// Worker configures worker process lifecycle.
	Worker WorkerConfig `yaml:"worker"`

	// Restart configures the privileged restart/rebuild commands.
	Restart RestartConfig `yaml:"restart"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	// Path is the database file location.
	Path string `yaml:"path"`
}

// BudgetConfig configures the capability usage ledger.
type BudgetConfig struct {
	// Path is the ledger file location.
	Path string `yaml:"path"`

	// Limits maps "provider:model" to a token budget.
	Limits map[string]int64 `yaml:"limits"`
}

// EngineConfig configures the reasoning engine subprocess.
type EngineConfig struct {
	// Command and Args invoke the engine CLI.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Model is the requested model; for privileged sessions the engine must
	// initialize it (family aliases allowed).
	Model string `yaml:"model"`

	// Provider names the vendor for budget accounting.
	Provider string `yaml:"provider"`

	// APIKey is the engine credential; resolved via keyring and environment
	// when left as a ${VAR} reference or empty.
	APIKey string `yaml:"api_key"`

	// WorkDir is the engine working directory inside the worker.
	WorkDir string `yaml:"work_dir"`
}

// RouterConfig configures the mailbox scan loop.
type RouterConfig struct {
	// PollIntervalMs is the scan interval in milliseconds.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// WorkerConfig configures worker process lifecycle.
type WorkerConfig struct {
	// Command and Args override the worker argv. Empty means this binary
	// with the "worker" subcommand.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// PollIntervalMs is the worker's input directory poll interval.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// IdleTimeoutSec is how long a worker may idle before shutdown is
	// requested; KillGraceSec bounds how long it may ignore the request.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	KillGraceSec   int `yaml:"kill_grace_sec"`
}

// RestartConfig configures the privileged restart pipeline.
type RestartConfig struct {
	// ValidateCommand must succeed before any restart or rebuild proceeds.
	ValidateCommand []string `yaml:"validate_command"`

	// DeployCommand rolls out code for a non-self restart target.
	DeployCommand []string `yaml:"deploy_command"`

	// SignalCommand tells the process manager to restart a non-self target.
	SignalCommand []string `yaml:"signal_command"`

	// RebuildCommand rebuilds the worker image.
	RebuildCommand []string `yaml:"rebuild_command"`

	// Dir is the working directory for all restart commands.
	Dir string `yaml:"dir"`

	// TimeoutSec bounds each command.
	TimeoutSec int `yaml:"timeout_sec"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Load reads, expands and validates a config file. A .env file next to the
// working directory is loaded first so ${VAR} references resolve.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envRef matches ${VAR} references in config values.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} with the environment value. Unset variables
// expand to the empty string so validation catches them downstream.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// IsEnvReference reports whether a value is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return envRef.MatchString(s)
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "denclaw"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.MailboxRoot == "" {
		c.MailboxRoot = "mailbox"
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.Database.Path == "" {
		c.Database.Path = "denclaw.db"
	}
	if c.Budget.Path == "" {
		c.Budget.Path = "budget.json"
	}
	if c.Router.PollIntervalMs <= 0 {
		c.Router.PollIntervalMs = 500
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = 1000
	}
	if c.Worker.IdleTimeoutSec <= 0 {
		c.Worker.IdleTimeoutSec = 600
	}
	if c.Worker.KillGraceSec <= 0 {
		c.Worker.KillGraceSec = 30
	}
	if c.Restart.TimeoutSec <= 0 {
		c.Restart.TimeoutSec = 120
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the config for contradictions a later component would
// trip over.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("engine.command is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}
	return nil
}

// Location resolves the configured timezone. Validate has already checked
// it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
