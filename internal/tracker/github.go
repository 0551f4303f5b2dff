package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Status labels applied to issues. An open issue without any of them is pending.
const (
	LabelInProgress = "foreman:in-progress"
	LabelBlocked    = "foreman:blocked"
	LabelFailed     = "foreman:failed"
)

var statusLabels = map[workitem.Status]string{
	workitem.StatusInProgress: LabelInProgress,
	workitem.StatusBlocked:    LabelBlocked,
	workitem.StatusFailed:     LabelFailed,
}

var labelColors = map[string]string{
	LabelInProgress: "1d76db",
	LabelBlocked:    "b60205",
	LabelFailed:     "fbca04",
}

// GitHub-specific failure causes wrapped inside *errors.TrackerError.
var (
	ErrAuthRequired  = errors.New("gh authentication required")
	ErrIssueNotFound = errors.New("issue not found")
)

var (
	dependsLineRe = regexp.MustCompile(`(?im)^\s*depends on:\s*(.+)$`)
	issueRefRe    = regexp.MustCompile(`#(\d+)`)
)

// CommandExecutor runs a command and returns its combined output.
// This allows for dependency injection in tests.
type CommandExecutor func(ctx context.Context, name string, args ...string) ([]byte, error)

// defaultExecutor runs commands using os/exec.
var defaultExecutor CommandExecutor = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// GitHubTracker treats labelled GitHub issues as work items through the gh CLI.
//
// The issue number is the item id. Dependencies are the issue references on
// "Depends on:" lines of the body, e.g. "Depends on: #12, #15". A closed issue
// is complete; otherwise the foreman:* status label decides the status.
// Complexity comes from an optional "complexity:<level>" label.
//
// Updates are applied immediately, so Sync does nothing.
type GitHubTracker struct {
	repo     string
	label    string
	executor CommandExecutor
	logger   *logging.Logger

	mu            sync.Mutex
	labels        map[string][]string // issue id -> labels seen by the last ListItems
	labelsEnsured bool
}

// NewGitHubTracker creates a tracker for repo ("owner/name", empty for the
// repository of the working directory) selecting issues with label.
func NewGitHubTracker(repo, label string, opts ...Option) *GitHubTracker {
	o := buildOptions(opts)
	return &GitHubTracker{
		repo:     repo,
		label:    label,
		executor: o.executor,
		logger:   o.logger.With("tracker", "github"),
		labels:   make(map[string][]string),
	}
}

// Name implements Tracker.
func (g *GitHubTracker) Name() string { return "github" }

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (g *GitHubTracker) gh(ctx context.Context, op string, args ...string) ([]byte, error) {
	if g.repo != "" {
		args = append(args, "--repo", g.repo)
	}
	output, err := g.executor(ctx, "gh", args...)
	if err != nil {
		return output, errors.NewTrackerError(g.Name(), op, classifyError(err, output))
	}
	return output, nil
}

// ListItems implements Tracker. Issues are ordered by number.
func (g *GitHubTracker) ListItems(ctx context.Context) ([]workitem.WorkItem, error) {
	output, err := g.gh(ctx, "list items", "issue", "list",
		"--label", g.label,
		"--state", "all",
		"--limit", "1000",
		"--json", "number,title,body,state,labels")
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal(output, &issues); err != nil {
		return nil, errors.NewTrackerError(g.Name(), "list items", fmt.Errorf("parse gh output: %w", err))
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Number < issues[j].Number })

	labels := make(map[string][]string, len(issues))
	items := make([]workitem.WorkItem, 0, len(issues))
	for _, is := range issues {
		item := issueToItem(is)
		names := make([]string, len(is.Labels))
		for i, l := range is.Labels {
			names[i] = l.Name
		}
		labels[item.ID] = names
		items = append(items, item)
	}

	g.mu.Lock()
	g.labels = labels
	g.mu.Unlock()
	return items, nil
}

func issueToItem(is ghIssue) workitem.WorkItem {
	item := workitem.WorkItem{
		ID:            strconv.Itoa(is.Number),
		Title:         is.Title,
		Description:   is.Body,
		DependencyIDs: parseDependencies(is.Body),
		Status:        workitem.StatusPending,
	}
	has := make(map[string]bool, len(is.Labels))
	for _, l := range is.Labels {
		has[l.Name] = true
		if cx, ok := strings.CutPrefix(l.Name, "complexity:"); ok && workitem.Complexity(cx).Valid() {
			item.Complexity = workitem.Complexity(cx)
		}
	}
	// An operator-applied block outranks the other status labels. The reason
	// lives in an issue comment, so it is left empty and the local one kept.
	switch {
	case has[LabelBlocked]:
		item.Status = workitem.StatusBlocked
	case has[LabelFailed]:
		item.Status = workitem.StatusFailed
	case has[LabelInProgress]:
		item.Status = workitem.StatusInProgress
	}
	if strings.EqualFold(is.State, "closed") {
		item.Status = workitem.StatusComplete
		item.BlockedReason = ""
	}
	return item
}

// parseDependencies extracts issue numbers from "Depends on:" lines.
func parseDependencies(body string) []string {
	var deps []string
	seen := make(map[string]bool)
	for _, line := range dependsLineRe.FindAllStringSubmatch(body, -1) {
		for _, m := range issueRefRe.FindAllStringSubmatch(line[1], -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				deps = append(deps, m[1])
			}
		}
	}
	return deps
}

// UpdateStatus implements Tracker.
func (g *GitHubTracker) UpdateStatus(ctx context.Context, id string, status workitem.Status, reason string) error {
	if _, err := strconv.Atoi(id); err != nil {
		return errors.NewTrackerError(g.Name(), "update status", errors.Wrapf(errors.ErrItemNotFound, "item %s is not an issue number", id))
	}
	if err := g.ensureLabels(ctx); err != nil {
		return err
	}

	if status == workitem.StatusComplete {
		if _, err := g.gh(ctx, "update status", "issue", "close", id, "--comment", "Completed and verified by foreman."); err != nil {
			return err
		}
		g.setLabels(id, g.withoutStatusLabels(id))
		return nil
	}

	args := []string{"issue", "edit", id}
	want := statusLabels[status]
	if want != "" && !g.hasLabel(id, want) {
		args = append(args, "--add-label", want)
	}
	var remove []string
	for _, l := range statusLabels {
		if l != want && g.hasLabel(id, l) {
			remove = append(remove, l)
		}
	}
	sort.Strings(remove)
	if len(remove) > 0 {
		args = append(args, "--remove-label", strings.Join(remove, ","))
	}
	if len(args) > 3 {
		if _, err := g.gh(ctx, "update status", args...); err != nil {
			return err
		}
	}

	labels := g.withoutStatusLabels(id)
	if want != "" {
		labels = append(labels, want)
	}
	g.setLabels(id, labels)

	if status == workitem.StatusBlocked && reason != "" {
		if _, err := g.gh(ctx, "comment", "issue", "comment", id, "--body", "Blocked by foreman: "+reason); err != nil {
			g.logger.Warn("failed to comment blocked reason", "item_id", id, "error", err)
		}
	}
	return nil
}

// ensureLabels creates the status labels once per tracker.
func (g *GitHubTracker) ensureLabels(ctx context.Context) error {
	g.mu.Lock()
	done := g.labelsEnsured
	g.mu.Unlock()
	if done {
		return nil
	}
	for _, l := range []string{LabelInProgress, LabelBlocked, LabelFailed} {
		if _, err := g.gh(ctx, "create label", "label", "create", l, "--color", labelColors[l], "--force"); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.labelsEnsured = true
	g.mu.Unlock()
	return nil
}

func (g *GitHubTracker) hasLabel(id, label string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.labels[id] {
		if l == label {
			return true
		}
	}
	return false
}

func (g *GitHubTracker) withoutStatusLabels(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, l := range g.labels[id] {
		if l != LabelInProgress && l != LabelBlocked && l != LabelFailed {
			out = append(out, l)
		}
	}
	return out
}

func (g *GitHubTracker) setLabels(id string, labels []string) {
	g.mu.Lock()
	g.labels[id] = labels
	g.mu.Unlock()
}

// Sync implements Tracker.
func (g *GitHubTracker) Sync(ctx context.Context) error { return nil }

// Close implements Tracker.
func (g *GitHubTracker) Close() error { return nil }

// classifyError analyzes the error and output from a gh command
// and returns a more specific error when possible.
// Errors are wrapped to preserve context while enabling errors.Is() checks.
func classifyError(err error, output []byte) error {
	outStr := strings.ToLower(string(output))

	// "executable file not found" means gh is not installed
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("gh not available: %w", execErr)
	}

	switch {
	case strings.Contains(outStr, "not logged in") ||
		strings.Contains(outStr, "authentication required") ||
		strings.Contains(outStr, "gh auth login"):
		return fmt.Errorf("%w: %s", ErrAuthRequired, strings.TrimSpace(string(output)))

	case strings.Contains(outStr, "could not find issue") ||
		strings.Contains(outStr, "issue not found"):
		return fmt.Errorf("%w: %s", ErrIssueNotFound, strings.TrimSpace(string(output)))

	case strings.Contains(outStr, "could not resolve to a repository"):
		return fmt.Errorf("repository not found or not accessible: %s", strings.TrimSpace(string(output)))
	}

	return fmt.Errorf("gh command failed: %w\n%s", err, string(output))
}

var _ Tracker = (*GitHubTracker)(nil)
