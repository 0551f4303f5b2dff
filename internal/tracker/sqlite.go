package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS work_items (
	id             TEXT PRIMARY KEY,
	position       INTEGER NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	dependency_ids TEXT NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL DEFAULT 'pending',
	complexity     TEXT NOT NULL DEFAULT 'medium',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	blocked_reason TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_work_items_position ON work_items(position);
`

// SQLiteTracker keeps items in a SQLite database. Updates are written
// immediately, so Sync only checks that the database is reachable.
type SQLiteTracker struct {
	path   string
	db     *sql.DB
	logger *logging.Logger
	mu     sync.Mutex
}

// NewSQLiteTracker opens (and if needed creates) the database at path.
func NewSQLiteTracker(path string, opts ...Option) (*SQLiteTracker, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.NewTrackerError("sqlite", "open", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.NewTrackerError("sqlite", "open", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.NewTrackerError("sqlite", "migrate", fmt.Errorf("%w (close error: %v)", err, closeErr))
		}
		return nil, errors.NewTrackerError("sqlite", "migrate", err)
	}

	return &SQLiteTracker{path: path, db: db, logger: o.logger.With("tracker", "sqlite")}, nil
}

// Name implements Tracker.
func (t *SQLiteTracker) Name() string { return "sqlite" }

// Import upserts items, keeping their slice order as the listing order.
// Existing rows not present in items are left alone.
func (t *SQLiteTracker) Import(ctx context.Context, items []workitem.WorkItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTrackerError(t.Name(), "import", err)
	}
	defer func() { _ = tx.Rollback() }()

	var base int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM work_items`).Scan(&base); err != nil {
		return errors.NewTrackerError(t.Name(), "import", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO work_items (id, position, title, description, dependency_ids, status, complexity, retry_count, blocked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			dependency_ids = excluded.dependency_ids,
			status = excluded.status,
			complexity = excluded.complexity,
			retry_count = excluded.retry_count,
			blocked_reason = excluded.blocked_reason,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`)
	if err != nil {
		return errors.NewTrackerError(t.Name(), "import", err)
	}
	defer stmt.Close()

	for i, it := range items {
		deps := it.DependencyIDs
		if deps == nil {
			deps = []string{}
		}
		depJSON, err := json.Marshal(deps)
		if err != nil {
			return errors.NewTrackerError(t.Name(), "import", err)
		}
		status := it.Status
		if status == "" {
			status = workitem.StatusPending
		}
		if _, err := stmt.ExecContext(ctx, it.ID, base+i, it.Title, it.Description, string(depJSON),
			string(status), string(it.Complexity.OrDefault()), it.RetryCount, it.BlockedReason); err != nil {
			return errors.NewTrackerError(t.Name(), "import", fmt.Errorf("item %s: %w", it.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewTrackerError(t.Name(), "import", err)
	}
	t.logger.Info("imported work items", "count", len(items))
	return nil
}

// ListItems implements Tracker.
func (t *SQLiteTracker) ListItems(ctx context.Context) ([]workitem.WorkItem, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, title, description, dependency_ids, status, complexity, retry_count, blocked_reason
		FROM work_items ORDER BY position, id`)
	if err != nil {
		return nil, errors.NewTrackerError(t.Name(), "list items", err)
	}
	defer rows.Close()

	var items []workitem.WorkItem
	for rows.Next() {
		var (
			it                  workitem.WorkItem
			depJSON, status, cx string
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &depJSON, &status, &cx, &it.RetryCount, &it.BlockedReason); err != nil {
			return nil, errors.NewTrackerError(t.Name(), "list items", err)
		}
		if err := json.Unmarshal([]byte(depJSON), &it.DependencyIDs); err != nil {
			return nil, errors.NewTrackerError(t.Name(), "list items", fmt.Errorf("item %s dependency_ids: %w", it.ID, err))
		}
		if len(it.DependencyIDs) == 0 {
			it.DependencyIDs = nil
		}
		it.Status = workitem.Status(status)
		it.Complexity = workitem.Complexity(cx)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTrackerError(t.Name(), "list items", err)
	}
	return items, nil
}

// UpdateStatus implements Tracker.
func (t *SQLiteTracker) UpdateStatus(ctx context.Context, id string, status workitem.Status, reason string) error {
	if status != workitem.StatusBlocked {
		reason = ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, blocked_reason = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`, string(status), reason, id)
	if err != nil {
		return errors.NewTrackerError(t.Name(), "update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewTrackerError(t.Name(), "update status", err)
	}
	if n == 0 {
		return errors.NewTrackerError(t.Name(), "update status", errors.Wrapf(errors.ErrItemNotFound, "item %s", id))
	}
	return nil
}

// Sync implements Tracker.
func (t *SQLiteTracker) Sync(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return errors.NewTrackerError(t.Name(), "sync", err)
	}
	return nil
}

// Close implements Tracker.
func (t *SQLiteTracker) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

var _ Tracker = (*SQLiteTracker)(nil)
