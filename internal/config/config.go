// Package config loads and validates the taskbridge configuration file.
// Runtime settings live in <home>/config.yaml; per-project settings (repos,
// field mappings, webhook secrets) live in the database.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	tbotel "github.com/basket/taskbridge/internal/otel"
)

// ExecutionMode controls what happens after an SCM issue is created.
type ExecutionMode string

const (
	// ExecutionModeComment posts a trigger comment on the new issue and lets an
	// external automation pick it up.
	ExecutionModeComment ExecutionMode = "comment"
	// ExecutionModeAgent enqueues an agent.run job on the internal job queue.
	ExecutionModeAgent ExecutionMode = "agent"
)

// LogMode controls how agent output is persisted to run logs.
type LogMode string

const (
	LogModeFull     LogMode = "full"     // persist everything
	LogModeFiltered LogMode = "filtered" // drop suspected analysis/reasoning lines
	LogModeRedacted LogMode = "redacted" // keep lines but redact secret patterns
)

// AgentConfig configures the external coding agent process.
type AgentConfig struct {
	// Command is the agent executable. Defaults to "opencode".
	Command string `yaml:"command"`
	// Model is the model selector passed to the agent.
	Model string `yaml:"model"`
	// InstructionsFile, when set, is written into the worktree root before the
	// agent starts (system-prompt override).
	InstructionsFile string `yaml:"instructions_file"`
	// Instructions is the content written to InstructionsFile.
	Instructions string `yaml:"instructions"`
	// TokenEnv names the environment variable holding the SCM push token.
	TokenEnv string `yaml:"token_env"`

	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_seconds"`
	RunTimeoutSecs   int `yaml:"run_timeout_seconds"`
}

// PolicyConfig bounds what an agent run may change before the result is
// committed and pushed.
type PolicyConfig struct {
	MaxChangedFiles int      `yaml:"max_changed_files"`
	DenyGlobs       []string `yaml:"deny_globs"`
}

// TrackerConfig configures the Tracker API client.
type TrackerConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
}

// SCMConfig configures the SCM API client.
type SCMConfig struct {
	BaseURL  string `yaml:"base_url"` // empty = api.github.com
	TokenEnv string `yaml:"token_env"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// PublicURL is the externally reachable base URL of the webhook server.
	// When set, Tracker webhooks are registered automatically at startup for
	// projects that have not completed a handshake yet.
	PublicURL string `yaml:"public_url"`

	// WorkspaceRoot holds the persistent repo clones and per-run worktrees.
	WorkspaceRoot string `yaml:"workspace_root"`

	ExecutionMode ExecutionMode `yaml:"execution_mode"`
	LogMode       LogMode       `yaml:"log_mode"`

	Agent   AgentConfig   `yaml:"agent"`
	Policy  PolicyConfig  `yaml:"policy"`
	Tracker TrackerConfig `yaml:"tracker"`
	SCM     SCMConfig     `yaml:"scm"`
	Otel    tbotel.Config `yaml:"otel"`

	// Job queue workers.
	WorkerCount         int `yaml:"worker_count"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxJobAttempts      int `yaml:"max_job_attempts"`

	// Webhook dispatcher buffer (ack-then-process).
	DispatchBuffer int `yaml:"dispatch_buffer"`

	// Sweep schedules, 5-field cron expressions.
	ReconcileCron string `yaml:"reconcile_cron"`
	WatchdogCron  string `yaml:"watchdog_cron"`

	// PRTimeoutMinutes is how long a task may sit in ISSUE_CREATED without a PR
	// before the watchdog fails it.
	PRTimeoutMinutes int `yaml:"pr_timeout_minutes"`
}

// DefaultHomeDir returns ~/.taskbridge, falling back to the current directory.
func DefaultHomeDir() string {
	if env := os.Getenv("TASKBRIDGE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbridge")
}

// Load reads <homeDir>/config.yaml, applies defaults and env overrides, and
// validates the result. A missing file yields the defaults.
func Load(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8787"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "taskbridge.db")
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(c.HomeDir, "workspace")
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = ExecutionModeAgent
	}
	if c.LogMode == "" {
		c.LogMode = LogModeRedacted
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "opencode"
	}
	if c.Agent.TokenEnv == "" {
		c.Agent.TokenEnv = "TASKBRIDGE_SCM_TOKEN"
	}
	if c.Agent.HeartbeatSeconds <= 0 {
		c.Agent.HeartbeatSeconds = 30
	}
	if c.Agent.IdleTimeoutSecs <= 0 {
		c.Agent.IdleTimeoutSecs = 300
	}
	if c.Agent.RunTimeoutSecs <= 0 {
		c.Agent.RunTimeoutSecs = 3600
	}
	if c.Policy.MaxChangedFiles <= 0 {
		c.Policy.MaxChangedFiles = 50
	}
	if c.Tracker.TokenEnv == "" {
		c.Tracker.TokenEnv = "TASKBRIDGE_TRACKER_TOKEN"
	}
	if c.SCM.TokenEnv == "" {
		c.SCM.TokenEnv = "TASKBRIDGE_SCM_TOKEN"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = 3
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = 64
	}
	if c.ReconcileCron == "" {
		c.ReconcileCron = "*/5 * * * *"
	}
	if c.WatchdogCron == "" {
		c.WatchdogCron = "*/10 * * * *"
	}
	if c.PRTimeoutMinutes <= 0 {
		c.PRTimeoutMinutes = 240
	}
}

func (c Config) validate() error {
	switch c.ExecutionMode {
	case ExecutionModeComment, ExecutionModeAgent:
	default:
		return fmt.Errorf("invalid execution_mode %q (supported: comment, agent)", c.ExecutionMode)
	}
	switch c.LogMode {
	case LogModeFull, LogModeFiltered, LogModeRedacted:
	default:
		return fmt.Errorf("invalid log_mode %q (supported: full, filtered, redacted)", c.LogMode)
	}
	return nil
}

// TrackerToken returns the Tracker API token from the configured env var.
func (c Config) TrackerToken() string {
	return os.Getenv(c.Tracker.TokenEnv)
}

// SCMToken returns the SCM API token from the configured env var.
func (c Config) SCMToken() string {
	return os.Getenv(c.SCM.TokenEnv)
}

// PushToken returns the token used for authenticated git pushes.
func (c Config) PushToken() string {
	return os.Getenv(c.Agent.TokenEnv)
}

// PRTimeout returns the watchdog timeout as a duration.
func (c Config) PRTimeout() time.Duration {
	return time.Duration(c.PRTimeoutMinutes) * time.Minute
}

// Fingerprint returns a short stable hash of the loaded config, exposed in
// health output so operators can confirm which config is live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	b, _ := yaml.Marshal(c)
	_, _ = h.Write(b)
	return strconv.FormatUint(h.Sum64(), 16)
}
