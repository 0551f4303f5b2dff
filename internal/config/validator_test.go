package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"negative max retries", func(c *Config) { c.Scheduler.MaxRetries = -1 }, "scheduler.max_retries"},
		{"negative dispatch delay", func(c *Config) { c.Scheduler.DispatchDelayMs = -5 }, "scheduler.dispatch_delay_ms"},
		{"negative max iterations", func(c *Config) { c.Scheduler.MaxIterations = -1 }, "scheduler.max_iterations"},
		{"negative stall timeout", func(c *Config) { c.Scheduler.StallTimeoutSeconds = -1 }, "scheduler.stall_timeout_seconds"},
		{"zero execution timeout", func(c *Config) { c.Execution.TimeoutMinutes = 0 }, "execution.timeout_minutes"},
		{"unknown complexity key", func(c *Config) { c.Execution.ComplexityMultipliers["huge"] = 3 }, "execution.complexity_multipliers.huge"},
		{"non-positive multiplier", func(c *Config) { c.Execution.ComplexityMultipliers["low"] = 0 }, "execution.complexity_multipliers.low"},
		{"empty agent command", func(c *Config) { c.Agent.Command = " " }, "agent.command"},
		{"unparsable prompt template", func(c *Config) { c.Agent.PromptTemplate = "{{.ItemID" }, "agent.prompt_template"},
		{"prompt template unknown field", func(c *Config) { c.Agent.PromptTemplate = "{{.Nope}}" }, "agent.prompt_template"},
		{"zero verification timeout", func(c *Config) { c.Verification.TimeoutSeconds = 0 }, "verification.timeout_seconds"},
		{"empty shell", func(c *Config) { c.Verification.Shell = "" }, "verification.shell"},
		{"invalid glob", func(c *Config) {
			c.Verification.Rules = []VerificationRule{{Match: "[unclosed", Command: "true"}}
		}, "verification.rules[0].match"},
		{"empty rule match", func(c *Config) {
			c.Verification.Rules = []VerificationRule{{Command: "true"}}
		}, "verification.rules[0].match"},
		{"empty rule command", func(c *Config) {
			c.Verification.Rules = []VerificationRule{{Match: "*"}}
		}, "verification.rules[0].command"},
		{"unknown backend", func(c *Config) { c.Tracker.Backend = "jira" }, "tracker.backend"},
		{"file backend without path", func(c *Config) { c.Tracker.File.Path = "" }, "tracker.file.path"},
		{"sqlite backend without path", func(c *Config) {
			c.Tracker.Backend = "sqlite"
			c.Tracker.SQLite.Path = ""
		}, "tracker.sqlite.path"},
		{"github bad repo", func(c *Config) {
			c.Tracker.Backend = "github"
			c.Tracker.GitHub.Repo = "not a repo"
		}, "tracker.github.repo"},
		{"github empty label", func(c *Config) {
			c.Tracker.Backend = "github"
			c.Tracker.GitHub.Label = ""
		}, "tracker.github.label"},
		{"empty checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"zero retain", func(c *Config) { c.Checkpoint.Retain = 0 }, "checkpoint.retain"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"negative log size", func(c *Config) { c.Logging.MaxSizeMB = -1 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
		{"enabled logging without dir", func(c *Config) { c.Logging.Dir = "" }, "logging.dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("got %d errors, want 1: %v", len(errs), ValidationErrors(errs))
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestValidate_ValidVariants(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"memory backend", func(c *Config) { c.Tracker.Backend = "memory" }},
		{"github without repo", func(c *Config) { c.Tracker.Backend = "github" }},
		{"github with repo", func(c *Config) {
			c.Tracker.Backend = "github"
			c.Tracker.GitHub.Repo = "Iron-Ham/foreman"
		}},
		{"uppercase log level", func(c *Config) { c.Logging.Level = "DEBUG" }},
		{"logging disabled without dir", func(c *Config) {
			c.Logging.Enabled = false
			c.Logging.Dir = ""
		}},
		{"glob rules", func(c *Config) {
			c.Verification.Rules = []VerificationRule{
				{Match: "api-*", Command: "go test ./api/..."},
				{Match: "{ui,web}-*", Command: "npm test"},
			}
		}},
		{"zero retries", func(c *Config) { c.Scheduler.MaxRetries = 0 }},
		{"custom prompt template", func(c *Config) {
			c.Agent.PromptTemplate = "Do {{.ItemID}} (attempt {{.Attempt}}): {{join .Dependencies \", \"}}"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if errs := cfg.Validate(); len(errs) != 0 {
				t.Errorf("unexpected errors: %v", ValidationErrors(errs))
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if ValidationErrors(nil).Error() != "" {
		t.Error("empty ValidationErrors should render as empty string")
	}

	one := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if got := one.Error(); got != "a: bad (got: 1)" {
		t.Errorf("Error() = %q", got)
	}

	two := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	got := two.Error()
	if !strings.HasPrefix(got, "2 validation errors:") || !strings.Contains(got, "2. b: worse (got: 2)") {
		t.Errorf("Error() = %q", got)
	}
}
