package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/filelock"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/util"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Document is the on-disk layout of an items file.
type Document struct {
	Items []workitem.WorkItem `yaml:"items"`
}

// ParseItems decodes an items document. Unknown keys are rejected.
func ParseItems(data []byte) ([]workitem.WorkItem, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return doc.Items, nil
}

// LoadItemsFile reads and decodes an items document from path.
func LoadItemsFile(path string) ([]workitem.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	items, err := ParseItems(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

// MarshalItems encodes items as an items document.
func MarshalItems(items []workitem.WorkItem) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Items: items}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileTracker stores items in a YAML file that operators and other
// processes may edit. Status updates are buffered and written by Sync, which
// re-reads the file under an exclusive lock and rewrites it atomically so
// concurrent out-of-band edits to other items are preserved.
//
// With watching enabled the parsed file is cached and an fsnotify watcher
// drops the cache whenever the file changes. Without it every ListItems
// re-reads the file.
type FileTracker struct {
	path   string
	lock   *filelock.FileLock
	logger *logging.Logger

	mu      sync.Mutex
	cache   []workitem.WorkItem
	stale   bool
	pending map[string]Update
	order   []string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileTracker opens the tracker for path. The file does not need to exist
// yet; a missing file is an empty item set.
func NewFileTracker(path string, watch bool, opts ...Option) (*FileTracker, error) {
	o := buildOptions(opts)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewTrackerError("file", "open", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewTrackerError("file", "open", err)
	}

	t := &FileTracker{
		path:    abs,
		lock:    filelock.New(dir, "."+filepath.Base(abs)+".lock"),
		logger:  o.logger.With("tracker", "file"),
		stale:   true,
		pending: make(map[string]Update),
		done:    make(chan struct{}),
	}

	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, errors.NewTrackerError("file", "watch", err)
		}
		// Watch the directory: atomic replacement swaps the inode, which
		// would silently end a watch on the file itself.
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, errors.NewTrackerError("file", "watch", err)
		}
		t.watcher = w
		t.wg.Add(1)
		go t.watch()
	}
	return t, nil
}

// Name implements Tracker.
func (t *FileTracker) Name() string { return "file" }

// Path returns the absolute items file path.
func (t *FileTracker) Path() string { return t.path }

func (t *FileTracker) watch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			t.mu.Lock()
			t.stale = true
			t.mu.Unlock()
			t.logger.Debug("items file changed", "op", event.Op.String())
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("items file watcher error", "error", err)
		}
	}
}

// read parses the file from disk. A missing file is an empty set.
func (t *FileTracker) read() ([]workitem.WorkItem, error) {
	items, err := LoadItemsFile(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return items, err
}

// loadLocked refreshes the cache when needed. Caller holds t.mu.
func (t *FileTracker) loadLocked() error {
	if !t.stale && t.watcher != nil {
		return nil
	}
	items, err := t.read()
	if err != nil {
		return err
	}
	t.cache = items
	t.stale = false
	return nil
}

// ListItems implements Tracker. Buffered updates are applied on top of the
// file content.
func (t *FileTracker) ListItems(ctx context.Context) ([]workitem.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTrackerError(t.Name(), "list items", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return nil, errors.NewTrackerError(t.Name(), "list items", err)
	}
	items := cloneItems(t.cache)
	for _, id := range t.order {
		if i := indexOf(items, id); i >= 0 {
			u := t.pending[id]
			applyStatus(&items[i], u.Status, u.Reason)
		}
	}
	return items, nil
}

// UpdateStatus implements Tracker. The change is buffered until Sync.
func (t *FileTracker) UpdateStatus(ctx context.Context, id string, status workitem.Status, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return errors.NewTrackerError(t.Name(), "update status", err)
	}
	if indexOf(t.cache, id) < 0 {
		return errors.NewTrackerError(t.Name(), "update status", errors.Wrapf(errors.ErrItemNotFound, "item %s", id))
	}
	if _, ok := t.pending[id]; !ok {
		t.order = append(t.order, id)
	}
	t.pending[id] = Update{ID: id, Status: status, Reason: reason}
	return nil
}

// Pending returns the number of buffered updates.
func (t *FileTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Sync implements Tracker.
func (t *FileTracker) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTrackerError(t.Name(), "sync", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}

	err := t.lock.With(func() error {
		items, err := t.read()
		if err != nil {
			return err
		}
		for _, id := range t.order {
			i := indexOf(items, id)
			if i < 0 {
				t.logger.Warn("dropping update for item removed from file", "item_id", id)
				continue
			}
			u := t.pending[id]
			applyStatus(&items[i], u.Status, u.Reason)
		}
		data, err := MarshalItems(items)
		if err != nil {
			return err
		}
		if err := util.WriteFileAtomic(t.path, data, 0o644); err != nil {
			return err
		}
		t.cache = items
		t.stale = false
		return nil
	})
	if err != nil {
		return errors.NewTrackerError(t.Name(), "sync", err)
	}

	t.logger.Debug("items file synced", "updates", len(t.order))
	t.pending = make(map[string]Update)
	t.order = nil
	return nil
}

// Close stops the watcher. Buffered updates that were never synced are lost.
func (t *FileTracker) Close() error {
	if t.watcher == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	err := t.watcher.Close()
	t.wg.Wait()
	return err
}

var _ Tracker = (*FileTracker)(nil)
