package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// githubRepoRegex matches "owner/name"
var githubRepoRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateVerification()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateCheckpoint()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError
	s := c.Scheduler

	if s.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field: "scheduler.max_retries", Value: s.MaxRetries, Message: "must be non-negative",
		})
	}
	if s.DispatchDelayMs < 0 {
		errors = append(errors, ValidationError{
			Field: "scheduler.dispatch_delay_ms", Value: s.DispatchDelayMs, Message: "must be non-negative",
		})
	}
	if s.MaxIterations < 0 {
		errors = append(errors, ValidationError{
			Field: "scheduler.max_iterations", Value: s.MaxIterations, Message: "must be non-negative (0 means unlimited)",
		})
	}
	if s.StallTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field: "scheduler.stall_timeout_seconds", Value: s.StallTimeoutSeconds, Message: "must be non-negative",
		})
	}
	return errors
}

func (c *Config) validateExecution() []ValidationError {
	var errors []ValidationError
	e := c.Execution

	if e.TimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field: "execution.timeout_minutes", Value: e.TimeoutMinutes, Message: "must be positive",
		})
	}

	keys := make([]string, 0, len(e.ComplexityMultipliers))
	for k := range e.ComplexityMultipliers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		field := "execution.complexity_multipliers." + k
		if cx := workitem.Complexity(k); k == "" || !cx.Valid() {
			errors = append(errors, ValidationError{
				Field: field, Value: k, Message: "must be one of: low, medium, high",
			})
			continue
		}
		if m := e.ComplexityMultipliers[k]; m <= 0 {
			errors = append(errors, ValidationError{
				Field: field, Value: m, Message: "must be positive",
			})
		}
	}
	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError
	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field: "agent.command", Value: c.Agent.Command, Message: "must not be empty",
		})
	}
	if tmpl := c.Agent.PromptTemplate; tmpl != "" {
		sample := agent.Request{ItemID: "item", Title: "title", Attempt: 1}
		if _, err := agent.RenderPrompt(tmpl, sample); err != nil {
			errors = append(errors, ValidationError{
				Field: "agent.prompt_template", Value: "(template)", Message: err.Error(),
			})
		}
	}
	return errors
}

func (c *Config) validateVerification() []ValidationError {
	var errors []ValidationError
	v := c.Verification

	if v.TimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field: "verification.timeout_seconds", Value: v.TimeoutSeconds, Message: "must be positive",
		})
	}
	if strings.TrimSpace(v.Shell) == "" {
		errors = append(errors, ValidationError{
			Field: "verification.shell", Value: v.Shell, Message: "must not be empty",
		})
	}
	for i, rule := range v.Rules {
		prefix := fmt.Sprintf("verification.rules[%d]", i)
		if rule.Match == "" {
			errors = append(errors, ValidationError{
				Field: prefix + ".match", Value: rule.Match, Message: "must not be empty",
			})
		} else if _, err := glob.Compile(rule.Match); err != nil {
			errors = append(errors, ValidationError{
				Field: prefix + ".match", Value: rule.Match, Message: "invalid glob pattern: " + err.Error(),
			})
		}
		if strings.TrimSpace(rule.Command) == "" {
			errors = append(errors, ValidationError{
				Field: prefix + ".command", Value: rule.Command, Message: "must not be empty",
			})
		}
	}
	return errors
}

func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError
	t := c.Tracker

	if !slices.Contains(ValidTrackerBackends(), t.Backend) {
		errors = append(errors, ValidationError{
			Field:   "tracker.backend",
			Value:   t.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTrackerBackends(), ", ")),
		})
		return errors
	}

	switch t.Backend {
	case "file":
		if t.File.Path == "" {
			errors = append(errors, ValidationError{
				Field: "tracker.file.path", Value: t.File.Path, Message: "required for the file backend",
			})
		}
	case "sqlite":
		if t.SQLite.Path == "" {
			errors = append(errors, ValidationError{
				Field: "tracker.sqlite.path", Value: t.SQLite.Path, Message: "required for the sqlite backend",
			})
		}
	case "github":
		if t.GitHub.Repo != "" && !githubRepoRegex.MatchString(t.GitHub.Repo) {
			errors = append(errors, ValidationError{
				Field: "tracker.github.repo", Value: t.GitHub.Repo, Message: "must be in owner/name form",
			})
		}
		if strings.TrimSpace(t.GitHub.Label) == "" {
			errors = append(errors, ValidationError{
				Field: "tracker.github.label", Value: t.GitHub.Label, Message: "must not be empty",
			})
		}
	}
	return errors
}

func (c *Config) validateCheckpoint() []ValidationError {
	var errors []ValidationError
	if c.Checkpoint.Dir == "" {
		errors = append(errors, ValidationError{
			Field: "checkpoint.dir", Value: c.Checkpoint.Dir, Message: "must not be empty",
		})
	}
	if c.Checkpoint.Retain < 1 {
		errors = append(errors, ValidationError{
			Field: "checkpoint.retain", Value: c.Checkpoint.Retain, Message: "must keep at least 1 checkpoint",
		})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError
	l := c.Logging

	if !slices.Contains(ValidLogLevels(), strings.ToLower(l.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   l.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if l.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field: "logging.max_size_mb", Value: l.MaxSizeMB, Message: "must be non-negative (0 disables rotation)",
		})
	}
	if l.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field: "logging.max_backups", Value: l.MaxBackups, Message: "must be non-negative",
		})
	}
	if l.Enabled && l.Dir == "" {
		errors = append(errors, ValidationError{
			Field: "logging.dir", Value: l.Dir, Message: "required when logging is enabled",
		})
	}
	return errors
}
