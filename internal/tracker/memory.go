package tracker

import (
	"context"
	"sync"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Update is one recorded UpdateStatus call.
type Update struct {
	ID     string
	Status workitem.Status
	Reason string
}

// MemoryTracker keeps items in process. Out-of-band edits made with Set are
// visible to the next ListItems, which makes it the backend used to simulate
// operator actions in tests.
type MemoryTracker struct {
	mu      sync.Mutex
	items   []workitem.WorkItem
	updates []Update
	syncs   int

	listErr   error
	updateErr error
	syncErr   error
}

// NewMemoryTracker returns a tracker seeded with items.
func NewMemoryTracker(items ...workitem.WorkItem) *MemoryTracker {
	return &MemoryTracker{items: cloneItems(items)}
}

// Name implements Tracker.
func (m *MemoryTracker) Name() string { return "memory" }

// ListItems implements Tracker.
func (m *MemoryTracker) ListItems(ctx context.Context) ([]workitem.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewTrackerError(m.Name(), "list items", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, errors.NewTrackerError(m.Name(), "list items", m.listErr)
	}
	return cloneItems(m.items), nil
}

// UpdateStatus implements Tracker.
func (m *MemoryTracker) UpdateStatus(ctx context.Context, id string, status workitem.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return errors.NewTrackerError(m.Name(), "update status", m.updateErr)
	}
	i := indexOf(m.items, id)
	if i < 0 {
		return errors.NewTrackerError(m.Name(), "update status", errors.Wrapf(errors.ErrItemNotFound, "item %s", id))
	}
	applyStatus(&m.items[i], status, reason)
	m.updates = append(m.updates, Update{ID: id, Status: status, Reason: reason})
	return nil
}

// Sync implements Tracker.
func (m *MemoryTracker) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncErr != nil {
		return errors.NewTrackerError(m.Name(), "sync", m.syncErr)
	}
	m.syncs++
	return nil
}

// Close implements Tracker.
func (m *MemoryTracker) Close() error { return nil }

// Set inserts or replaces an item without recording an update.
func (m *MemoryTracker) Set(item workitem.WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := indexOf(m.items, item.ID); i >= 0 {
		m.items[i] = item.Clone()
		return
	}
	m.items = append(m.items, item.Clone())
}

// Get returns the tracker's copy of an item.
func (m *MemoryTracker) Get(id string) (workitem.WorkItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := indexOf(m.items, id); i >= 0 {
		return m.items[i].Clone(), true
	}
	return workitem.WorkItem{}, false
}

// Updates returns every successful UpdateStatus call in order.
func (m *MemoryTracker) Updates() []Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Update, len(m.updates))
	copy(out, m.updates)
	return out
}

// SyncCount returns the number of successful Sync calls.
func (m *MemoryTracker) SyncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// FailList makes ListItems fail with err until cleared with nil.
func (m *MemoryTracker) FailList(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

// FailUpdate makes UpdateStatus fail with err until cleared with nil.
func (m *MemoryTracker) FailUpdate(err error) {
	m.mu.Lock()
	m.updateErr = err
	m.mu.Unlock()
}

// FailSync makes Sync fail with err until cleared with nil.
func (m *MemoryTracker) FailSync(err error) {
	m.mu.Lock()
	m.syncErr = err
	m.mu.Unlock()
}

var _ Tracker = (*MemoryTracker)(nil)
