package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Config represents the complete foreman configuration
type Config struct {
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Verification VerificationConfig `mapstructure:"verification"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// SchedulerConfig controls the dispatch loop
type SchedulerConfig struct {
	// MaxRetries is how many failed attempts an item may retry before it is
	// blocked. An item is blocked once its retry count exceeds this value.
	MaxRetries int `mapstructure:"max_retries"`
	// DispatchDelayMs is the pause between loop iterations (default: 2000)
	DispatchDelayMs int `mapstructure:"dispatch_delay_ms"`
	// MaxIterations stops the loop after this many iterations. 0 means no limit.
	MaxIterations int `mapstructure:"max_iterations"`
	// StallTimeoutSeconds bounds how long the loop waits for items held in
	// progress by another worker when nothing else is ready (default: 600)
	StallTimeoutSeconds int `mapstructure:"stall_timeout_seconds"`
}

// ExecutionConfig controls agent attempts
type ExecutionConfig struct {
	// TimeoutMinutes is the wall-clock budget of one attempt for a medium item
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// ComplexityMultipliers scales the timeout by complexity ("low", "medium", "high")
	ComplexityMultipliers map[string]float64 `mapstructure:"complexity_multipliers"`
}

// AgentConfig controls the executing agent command
type AgentConfig struct {
	// Command is the agent binary (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed before the prompt
	Args []string `mapstructure:"args"`
	// Model is passed as --model when set
	Model string `mapstructure:"model"`
	// WorkDir is the working directory for the agent. Empty means the current directory.
	WorkDir string `mapstructure:"work_dir"`
	// PromptTemplate is a text/template rendered per attempt. Empty uses the
	// built-in prompt.
	PromptTemplate string `mapstructure:"prompt_template"`
}

// VerificationConfig controls the independent check run after each attempt
type VerificationConfig struct {
	// TimeoutSeconds bounds a single verification run (default: 600)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// Command is the fallback verification command for items no rule matches
	Command string `mapstructure:"command"`
	// Rules select a command by glob pattern on the item id. First match wins.
	Rules []VerificationRule `mapstructure:"rules"`
	// Shell runs the command as `<shell> -c <command>` (default: "sh")
	Shell string `mapstructure:"shell"`
}

// VerificationRule maps an item id glob to a verification command
type VerificationRule struct {
	Match   string `mapstructure:"match"`
	Command string `mapstructure:"command"`
}

// TrackerConfig selects and configures the issue tracker backend
type TrackerConfig struct {
	// Backend is one of "file", "sqlite", "github", "memory" (default: "file")
	Backend string              `mapstructure:"backend"`
	File    FileTrackerConfig   `mapstructure:"file"`
	SQLite  SQLiteConfig        `mapstructure:"sqlite"`
	GitHub  GitHubTrackerConfig `mapstructure:"github"`
}

// FileTrackerConfig configures the YAML file tracker
type FileTrackerConfig struct {
	Path string `mapstructure:"path"`
	// Watch reloads the file when it changes on disk (default: true)
	Watch bool `mapstructure:"watch"`
}

// SQLiteConfig configures the SQLite tracker
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// GitHubTrackerConfig configures the GitHub issues tracker
type GitHubTrackerConfig struct {
	// Repo is "owner/name". Empty means the repository of the working directory.
	Repo string `mapstructure:"repo"`
	// Label selects the issues that are work items (default: "foreman")
	Label string `mapstructure:"label"`
}

// CheckpointConfig controls checkpoint persistence
type CheckpointConfig struct {
	Dir string `mapstructure:"dir"`
	// Retain is how many of the newest checkpoints to keep (default: 20)
	Retain int `mapstructure:"retain"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes logs to Dir. When false logs go to stderr at WARN.
	Enabled bool `mapstructure:"enabled"`
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir holds foreman.log
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxRetries:          2,
			DispatchDelayMs:     2000,
			MaxIterations:       0,
			StallTimeoutSeconds: 600,
		},
		Execution: ExecutionConfig{
			TimeoutMinutes: 30,
			ComplexityMultipliers: map[string]float64{
				string(workitem.ComplexityLow):    1.0,
				string(workitem.ComplexityMedium): 1.5,
				string(workitem.ComplexityHigh):   2.0,
			},
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--print", "--dangerously-skip-permissions"},
		},
		Verification: VerificationConfig{
			TimeoutSeconds: 600,
			Shell:          "sh",
		},
		Tracker: TrackerConfig{
			Backend: "file",
			File:    FileTrackerConfig{Path: filepath.Join(".foreman", "items.yaml"), Watch: true},
			SQLite:  SQLiteConfig{Path: filepath.Join(".foreman", "items.db")},
			GitHub:  GitHubTrackerConfig{Label: "foreman"},
		},
		Checkpoint: CheckpointConfig{
			Dir:    filepath.Join(".foreman", "checkpoints"),
			Retain: 20,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        ".foreman",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DispatchDelay returns the inter-iteration pause as a time.Duration
func (c *SchedulerConfig) DispatchDelay() time.Duration {
	return time.Duration(c.DispatchDelayMs) * time.Millisecond
}

// StallTimeout returns the stall timeout as a time.Duration
func (c *SchedulerConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// Timeout returns the base attempt timeout as a time.Duration
func (c *ExecutionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// TimeoutFor returns the attempt timeout scaled for the given complexity.
// Missing or non-positive multipliers count as 1.
func (c *ExecutionConfig) TimeoutFor(cx workitem.Complexity) time.Duration {
	m, ok := c.ComplexityMultipliers[string(cx.OrDefault())]
	if !ok || m <= 0 {
		m = 1
	}
	return time.Duration(float64(c.Timeout()) * m)
}

// Timeout returns the verification timeout as a time.Duration
func (c *VerificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Scheduler defaults
	viper.SetDefault("scheduler.max_retries", defaults.Scheduler.MaxRetries)
	viper.SetDefault("scheduler.dispatch_delay_ms", defaults.Scheduler.DispatchDelayMs)
	viper.SetDefault("scheduler.max_iterations", defaults.Scheduler.MaxIterations)
	viper.SetDefault("scheduler.stall_timeout_seconds", defaults.Scheduler.StallTimeoutSeconds)

	// Execution defaults
	viper.SetDefault("execution.timeout_minutes", defaults.Execution.TimeoutMinutes)
	viper.SetDefault("execution.complexity_multipliers", defaults.Execution.ComplexityMultipliers)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.work_dir", defaults.Agent.WorkDir)
	viper.SetDefault("agent.prompt_template", defaults.Agent.PromptTemplate)

	// Verification defaults
	viper.SetDefault("verification.timeout_seconds", defaults.Verification.TimeoutSeconds)
	viper.SetDefault("verification.command", defaults.Verification.Command)
	viper.SetDefault("verification.shell", defaults.Verification.Shell)

	// Tracker defaults
	viper.SetDefault("tracker.backend", defaults.Tracker.Backend)
	viper.SetDefault("tracker.file.path", defaults.Tracker.File.Path)
	viper.SetDefault("tracker.file.watch", defaults.Tracker.File.Watch)
	viper.SetDefault("tracker.sqlite.path", defaults.Tracker.SQLite.Path)
	viper.SetDefault("tracker.github.repo", defaults.Tracker.GitHub.Repo)
	viper.SetDefault("tracker.github.label", defaults.Tracker.GitHub.Label)

	// Checkpoint defaults
	viper.SetDefault("checkpoint.dir", defaults.Checkpoint.Dir)
	viper.SetDefault("checkpoint.retain", defaults.Checkpoint.Retain)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidTrackerBackends returns the list of valid tracker backends
func ValidTrackerBackends() []string {
	return []string{"file", "sqlite", "github", "memory"}
}
