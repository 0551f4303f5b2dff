// Package agent invokes the external executing agent that carries out a work
// item. The scheduler treats the agent as opaque: it sends a Request and
// receives a Response, and success is only a claim until verified.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Request describes one attempt at one item.
type Request struct {
	ItemID       string
	Title        string
	Description  string
	Dependencies []string
	Complexity   workitem.Complexity
	// Attempt is 1-based.
	Attempt int
	// Timeout is the budget the engine enforces, passed for the agent's information.
	Timeout time.Duration
}

// NewRequest builds the request for an item attempt.
func NewRequest(item workitem.WorkItem, attempt int, timeout time.Duration) Request {
	deps := make([]string, len(item.DependencyIDs))
	copy(deps, item.DependencyIDs)
	return Request{
		ItemID:       item.ID,
		Title:        item.Title,
		Description:  item.Description,
		Dependencies: deps,
		Complexity:   item.Complexity.OrDefault(),
		Attempt:      attempt,
		Timeout:      timeout,
	}
}

// Response is what the agent reports back.
type Response struct {
	Success bool
	Output  string
	// Error is the agent's own failure description when Success is false.
	Error string
}

// Agent executes work items.
type Agent interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke implements Agent.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// DefaultPromptTemplate renders the prompt handed to the CLI agent.
const DefaultPromptTemplate = `You are working on item {{.ItemID}}: {{.Title}}
{{- if .Description}}

{{.Description}}
{{- end}}
{{- if .Dependencies}}

The following items are already complete and verified: {{join .Dependencies ", "}}.
{{- end}}
{{- if gt .Attempt 1}}

This is attempt {{.Attempt}}; earlier attempts did not pass verification.
{{- end}}

Complete the item in the current working directory. An independent
verification step checks the result after you exit.
`

// RenderPrompt renders tmpl (DefaultPromptTemplate when empty) for req.
func RenderPrompt(tmpl string, req Request) (string, error) {
	if tmpl == "" {
		tmpl = DefaultPromptTemplate
	}
	t, err := template.New("prompt").Funcs(template.FuncMap{"join": strings.Join}).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// CLIConfig configures a CLIAgent.
type CLIConfig struct {
	Command        string
	Args           []string
	Model          string
	WorkDir        string
	PromptTemplate string
}

// CLIAgent runs a command-line agent once per attempt with the rendered
// prompt as its last argument. Exit status 0 is a success claim.
type CLIAgent struct {
	cfg    CLIConfig
	logger *logging.Logger
}

// NewCLIAgent creates a CLI agent. A nil logger disables logging.
func NewCLIAgent(cfg CLIConfig, logger *logging.Logger) *CLIAgent {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CLIAgent{cfg: cfg, logger: logger}
}

// BuildArgs returns the argument list for req, prompt last.
func (a *CLIAgent) BuildArgs(req Request) ([]string, error) {
	prompt, err := RenderPrompt(a.cfg.PromptTemplate, req)
	if err != nil {
		return nil, err
	}
	args := append([]string{}, a.cfg.Args...)
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	return append(args, prompt), nil
}

// Invoke implements Agent. Cancellation of ctx kills the process and returns
// the context error.
func (a *CLIAgent) Invoke(ctx context.Context, req Request) (Response, error) {
	args, err := a.BuildArgs(req)
	if err != nil {
		return Response{}, err
	}

	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = append(cmd.Environ(),
		"FOREMAN_ITEM_ID="+req.ItemID,
		fmt.Sprintf("FOREMAN_ATTEMPT=%d", req.Attempt),
	)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("starting agent", "item_id", req.ItemID, "attempt", req.Attempt, "command", a.cfg.Command)
	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{Output: stdout.String()}, ctxErr
	}

	resp := Response{Success: runErr == nil, Output: stdout.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return resp, fmt.Errorf("run agent: %w", runErr)
		}
		resp.Error = fmt.Sprintf("agent exited with status %d", exitErr.ExitCode())
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			resp.Error += ": " + lastLine(msg)
		}
	}
	return resp, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

var _ Agent = (*CLIAgent)(nil)
