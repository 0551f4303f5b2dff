// Package tracker connects the scheduler to the external issue tracker that
// owns the canonical list of work items.
//
// The scheduler reads the item set with ListItems, pushes status changes with
// UpdateStatus, and makes them durable with Sync. A backend may buffer
// updates until Sync. Every backend returns *errors.TrackerError for
// failures so callers can log and absorb them.
//
// Available backends:
//   - MemoryTracker: in-process, for tests and library callers
//   - FileTracker: a YAML document on disk, shared with other processes
//   - SQLiteTracker: a single-table SQLite database
//   - GitHubTracker: labelled GitHub issues through the gh CLI
package tracker

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Tracker is the scheduler's view of the issue tracker.
type Tracker interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// ListItems returns every work item the tracker knows about, in a stable order.
	ListItems(ctx context.Context) ([]workitem.WorkItem, error)

	// UpdateStatus records a status change. reason is the blocked reason and
	// is ignored for other statuses.
	UpdateStatus(ctx context.Context, id string, status workitem.Status, reason string) error

	// Sync flushes buffered updates.
	Sync(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Option configures a backend created by New.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	executor CommandExecutor
}

// WithLogger sets the logger used by the backend.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithExecutor replaces the gh command runner of the GitHub backend.
func WithExecutor(exec CommandExecutor) Option {
	return func(o *options) {
		if exec != nil {
			o.executor = exec
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.NopLogger(), executor: defaultExecutor}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates the backend selected by cfg.Backend.
func New(cfg config.TrackerConfig, opts ...Option) (Tracker, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryTracker(), nil
	case "file":
		return NewFileTracker(cfg.File.Path, cfg.File.Watch, opts...)
	case "sqlite":
		return NewSQLiteTracker(cfg.SQLite.Path, opts...)
	case "github":
		return NewGitHubTracker(cfg.GitHub.Repo, cfg.GitHub.Label, opts...), nil
	default:
		return nil, fmt.Errorf("unknown tracker backend %q", cfg.Backend)
	}
}

// indexOf returns the position of id in items, or -1.
func indexOf(items []workitem.WorkItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// applyStatus sets status on item and keeps BlockedReason only for blocked items.
func applyStatus(item *workitem.WorkItem, status workitem.Status, reason string) {
	item.Status = status
	if status == workitem.StatusBlocked {
		item.BlockedReason = reason
	} else {
		item.BlockedReason = ""
	}
}

func cloneItems(items []workitem.WorkItem) []workitem.WorkItem {
	out := make([]workitem.WorkItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
