package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
)

// maxDetailLen bounds the command output kept in a failure detail.
const maxDetailLen = 2000

type rule struct {
	pattern string
	match   glob.Glob
	command string
}

// CommandRunner verifies an item by running a shell command and treating
// exit status 0 as a pass. The command is chosen by the first rule whose
// glob matches the item id, falling back to the default command. The item id
// is exported as FOREMAN_ITEM_ID.
type CommandRunner struct {
	rules    []rule
	fallback string
	shell    string
	workDir  string
}

// NewCommandRunner builds a runner from configuration. Rule patterns that do
// not compile are reported as errors.
func NewCommandRunner(cfg config.VerificationConfig, workDir string) (*CommandRunner, error) {
	r := &CommandRunner{fallback: cfg.Command, shell: cfg.Shell, workDir: workDir}
	if r.shell == "" {
		r.shell = "sh"
	}
	for _, vr := range cfg.Rules {
		g, err := glob.Compile(vr.Match)
		if err != nil {
			return nil, fmt.Errorf("verification rule %q: %w", vr.Match, err)
		}
		r.rules = append(r.rules, rule{pattern: vr.Match, match: g, command: vr.Command})
	}
	return r, nil
}

// CommandFor returns the command for itemID, or "" when none applies.
func (r *CommandRunner) CommandFor(itemID string) string {
	for _, ru := range r.rules {
		if ru.match.Match(itemID) {
			return ru.command
		}
	}
	return r.fallback
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, itemID string) (RunResult, error) {
	command := r.CommandFor(itemID)
	if strings.TrimSpace(command) == "" {
		return RunResult{Passed: false, Detail: "no verification command for item " + itemID}, nil
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = r.workDir
	cmd.Env = append(cmd.Environ(), "FOREMAN_ITEM_ID="+itemID)
	cmd.WaitDelay = 5 * time.Second
	output, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return RunResult{}, ctxErr
	}
	if err == nil {
		return RunResult{Passed: true, Detail: "verification command passed"}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return RunResult{}, fmt.Errorf("run verification command: %w", err)
	}
	detail := fmt.Sprintf("verification command exited with status %d", exitErr.ExitCode())
	if tail := tailOutput(output); tail != "" {
		detail += ": " + tail
	}
	return RunResult{Passed: false, Detail: detail}, nil
}

// tailOutput keeps the end of the output, where failures are usually reported.
func tailOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxDetailLen {
		s = "..." + s[len(s)-maxDetailLen:]
	}
	return s
}

var _ Runner = (*CommandRunner)(nil)
