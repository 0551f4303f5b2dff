// Package state holds the scheduler's authoritative view of item status.
//
// Every mutation follows write-then-commit: the would-be snapshot is written
// as a checkpoint first, the in-memory state changes only after that write
// succeeds, and the change is pushed to the tracker last. A tracker that
// cannot be reached never fails a mutation; the item is remembered as
// unflushed and pushed again on the next mutation or ListReady.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/foreman/internal/checkpoint"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/tracker"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// CheckpointWriter persists snapshots. *checkpoint.Manager implements it.
type CheckpointWriter interface {
	Write(cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLastCompleted seeds the last completed id, e.g. from a resumed checkpoint.
func WithLastCompleted(id string) Option {
	return func(s *Store) {
		s.lastCompleted = id
	}
}

// Store owns status, retry count and blocked reason for every item of a run.
// It is safe for concurrent use. Items passed to New are assumed validated.
type Store struct {
	mu            sync.Mutex
	runID         string
	order         []string
	items         map[string]workitem.WorkItem
	lastCompleted string
	unflushed     map[string]bool
	lastWritten   *checkpoint.Checkpoint

	tracker     tracker.Tracker
	checkpoints CheckpointWriter
	logger      *logging.Logger
}

// New builds a store over items. Nothing is written until the first
// mutation or an explicit Checkpoint call.
func New(runID string, items []workitem.WorkItem, tr tracker.Tracker, cw CheckpointWriter, opts ...Option) *Store {
	s := &Store{
		runID:       runID,
		order:       make([]string, 0, len(items)),
		items:       make(map[string]workitem.WorkItem, len(items)),
		unflushed:   make(map[string]bool),
		tracker:     tr,
		checkpoints: cw,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, it := range items {
		s.order = append(s.order, it.ID)
		s.items[it.ID] = it.Clone()
	}
	return s
}

// RunID returns the run the store belongs to.
func (s *Store) RunID() string { return s.runID }

// Status returns the current status of id.
func (s *Store) Status(id string) (workitem.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return "", notFound(id)
	}
	return it.Status, nil
}

// Item returns a copy of one item.
func (s *Store) Item(id string) (workitem.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it.Clone(), ok
}

// Items returns copies of every item in insertion order.
func (s *Store) Items() []workitem.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workitem.WorkItem, len(s.order))
	for i, id := range s.order {
		out[i] = s.items[id].Clone()
	}
	return out
}

// Snapshot returns the current state as an unsequenced checkpoint.
func (s *Store) Snapshot() *checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.items, s.lastCompleted)
}

// LastCheckpoint returns the most recent checkpoint this store wrote, or nil.
func (s *Store) LastCheckpoint() *checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastWritten == nil {
		return nil
	}
	return s.lastWritten.Clone()
}

// Unflushed returns the ids whose latest change has not reached the tracker.
func (s *Store) Unflushed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.order {
		if s.unflushed[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) snapshotLocked(items map[string]workitem.WorkItem, lastCompleted string) *checkpoint.Checkpoint {
	list := make([]workitem.WorkItem, len(s.order))
	for i, id := range s.order {
		list[i] = items[id]
	}
	return checkpoint.New(s.runID, list, lastCompleted)
}

// persistLocked writes the checkpoint for next and only then commits it.
func (s *Store) persistLocked(next map[string]workitem.WorkItem, lastCompleted string) error {
	cp := s.snapshotLocked(next, lastCompleted)
	written, err := s.checkpoints.Write(cp)
	if err != nil {
		return errors.NewStateError("checkpoint write failed", err)
	}
	s.items = next
	s.lastCompleted = lastCompleted
	s.lastWritten = written
	return nil
}

// withChange returns a copy of the item map with one item replaced.
func (s *Store) withChange(it workitem.WorkItem) map[string]workitem.WorkItem {
	next := make(map[string]workitem.WorkItem, len(s.items))
	for id, v := range s.items {
		next[id] = v
	}
	next[it.ID] = it
	return next
}

// Checkpoint writes the current state without changing it.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(s.items, s.lastCompleted)
}

// SetStatus moves id to status. reason is recorded only for blocked items.
// Writing the current status again is a no-op. A transition the state
// machine does not allow returns a *errors.StateError wrapping
// errors.ErrIllegalTransition.
func (s *Store) SetStatus(ctx context.Context, id string, status workitem.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[id]
	if !ok {
		return notFound(id)
	}
	if cur.Status == status {
		return nil
	}
	if !workitem.CanTransition(cur.Status, status) {
		return errors.NewStateError("transition not allowed", errors.ErrIllegalTransition).
			WithItem(id).
			WithTransition(string(cur.Status), string(status))
	}

	nextItem := cur.Clone()
	nextItem.Status = status
	nextItem.BlockedReason = ""
	if status == workitem.StatusBlocked {
		nextItem.BlockedReason = reason
	}
	lastCompleted := s.lastCompleted
	if status == workitem.StatusComplete {
		lastCompleted = id
	}

	if err := s.persistLocked(s.withChange(nextItem), lastCompleted); err != nil {
		return err
	}
	s.logger.Debug("status changed", "item_id", id, "from", string(cur.Status), "to", string(status))

	s.unflushed[id] = true
	s.flushLocked(ctx)
	return nil
}

// Fail records a failed attempt: the in-progress item moves to failed and
// its retry count is incremented in the same checkpoint. The new count is
// returned.
func (s *Store) Fail(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[id]
	if !ok {
		return 0, notFound(id)
	}
	if cur.Status != workitem.StatusInProgress {
		return 0, errors.NewStateError("transition not allowed", errors.ErrIllegalTransition).
			WithItem(id).
			WithTransition(string(cur.Status), string(workitem.StatusFailed))
	}

	nextItem := cur.Clone()
	nextItem.Status = workitem.StatusFailed
	nextItem.BlockedReason = ""
	nextItem.RetryCount++
	if err := s.persistLocked(s.withChange(nextItem), s.lastCompleted); err != nil {
		return 0, err
	}
	s.logger.Debug("attempt failed", "item_id", id, "retry_count", nextItem.RetryCount)

	s.unflushed[id] = true
	s.flushLocked(ctx)
	return nextItem.RetryCount, nil
}

// flushLocked pushes every unflushed item to the tracker. Retryable
// failures are logged and leave the item unflushed; an update the tracker
// can never accept is dropped.
func (s *Store) flushLocked(ctx context.Context) {
	if s.tracker == nil || len(s.unflushed) == 0 {
		return
	}
	pushed := make([]string, 0, len(s.unflushed))
	for _, id := range s.order {
		if !s.unflushed[id] {
			continue
		}
		it := s.items[id]
		if err := s.tracker.UpdateStatus(ctx, id, it.Status, it.BlockedReason); err != nil {
			if !errors.IsRetryable(err) {
				s.logger.Warn("tracker rejected update, not retrying", "item_id", id, "error", err.Error())
				delete(s.unflushed, id)
				continue
			}
			s.logger.Warn("tracker update failed", "item_id", id, "status", string(it.Status), "error", err.Error())
			continue
		}
		pushed = append(pushed, id)
	}
	if len(pushed) == 0 {
		return
	}
	if err := s.tracker.Sync(ctx); err != nil {
		s.logger.Warn("tracker sync failed", "pending", len(s.unflushed), "error", err.Error())
		return
	}
	for _, id := range pushed {
		delete(s.unflushed, id)
	}
}

// Flush retries pushing unflushed changes to the tracker.
func (s *Store) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked(ctx)
}

// ListReady reconciles with the tracker and returns, in insertion order, the
// ids that are pending or ready and whose dependencies are all complete.
//
// Reconciliation lets the tracker win for every item without an unflushed
// local change, which is how operator edits (clearing a block, completing
// an item by hand, a foreign worker taking an item) reach the run. A
// reconciliation that changes anything is checkpointed. Tracker errors are
// logged and the local view is used.
func (s *Store) ListReady(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushLocked(ctx)
	if err := s.reconcileLocked(ctx); err != nil {
		return nil, err
	}
	return s.readyLocked(), nil
}

func (s *Store) reconcileLocked(ctx context.Context) error {
	if s.tracker == nil {
		return nil
	}
	remote, err := s.tracker.ListItems(ctx)
	if err != nil {
		s.logger.Warn("tracker unavailable, using local state", "error", err.Error())
		return nil
	}

	var next map[string]workitem.WorkItem
	lastCompleted := s.lastCompleted
	for _, r := range remote {
		cur, ok := s.items[r.ID]
		if !ok {
			s.logger.Debug("ignoring tracker item outside this run", "item_id", r.ID)
			continue
		}
		if s.unflushed[r.ID] || !r.Status.Valid() || sameState(cur, r) {
			continue
		}
		if next == nil {
			next = make(map[string]workitem.WorkItem, len(s.items))
			for id, v := range s.items {
				next[id] = v
			}
		}
		updated := cur.Clone()
		updated.Status = r.Status
		updated.BlockedReason = ""
		if r.Status == workitem.StatusBlocked {
			updated.BlockedReason = r.BlockedReason
			if updated.BlockedReason == "" {
				updated.BlockedReason = cur.BlockedReason
			}
		}
		next[r.ID] = updated
		if r.Status == workitem.StatusComplete && cur.Status != workitem.StatusComplete {
			lastCompleted = r.ID
		}
		s.logger.Info("tracker status applied", "item_id", r.ID, "from", string(cur.Status), "to", string(r.Status))
	}
	if next == nil {
		return nil
	}
	return s.persistLocked(next, lastCompleted)
}

// sameState compares the parts of an item the tracker is authoritative for.
// Pending and ready are the same state; a tracker without blocked reasons
// does not erase a local one.
func sameState(local, remote workitem.WorkItem) bool {
	if local.Status.IsWaiting() && remote.Status.IsWaiting() {
		return true
	}
	if local.Status != remote.Status {
		return false
	}
	if local.Status == workitem.StatusBlocked && remote.BlockedReason != "" {
		return local.BlockedReason == remote.BlockedReason
	}
	return true
}

func (s *Store) readyLocked() []string {
	var ready []string
	for _, id := range s.order {
		it := s.items[id]
		if !it.Status.IsWaiting() {
			continue
		}
		satisfied := true
		for _, dep := range it.DependencyIDs {
			if d, ok := s.items[dep]; !ok || d.Status != workitem.StatusComplete {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// IDsWithStatus returns the ids currently in status, in insertion order.
func (s *Store) IDsWithStatus(status workitem.Status) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.order {
		if s.items[id].Status == status {
			out = append(out, id)
		}
	}
	return out
}

// Recover rewinds state left behind by an interrupted run. Items still in
// progress lost their attempt and return to pending. Items left failed get
// the retry decision they never received. It returns the ids it changed.
func (s *Store) Recover(ctx context.Context, maxRetries int) ([]string, error) {
	var changed []string
	for _, id := range s.IDsWithStatus(workitem.StatusInProgress) {
		if err := s.SetStatus(ctx, id, workitem.StatusPending, ""); err != nil {
			return changed, err
		}
		s.logger.Info("recovered interrupted attempt", "item_id", id)
		changed = append(changed, id)
	}
	for _, id := range s.IDsWithStatus(workitem.StatusFailed) {
		it, _ := s.Item(id)
		status, reason := workitem.StatusPending, ""
		if retry.ShouldRetry(it.RetryCount, maxRetries) == retry.Block {
			status = workitem.StatusBlocked
			reason = retry.BlockedReason(it.RetryCount, maxRetries, "interrupted before the retry decision")
		}
		if err := s.SetStatus(ctx, id, status, reason); err != nil {
			return changed, err
		}
		s.logger.Info("recovered failed item", "item_id", id, "status", string(status))
		changed = append(changed, id)
	}
	return changed, nil
}

func notFound(id string) error {
	return errors.NewStateError(fmt.Sprintf("unknown item %q", id), errors.ErrItemNotFound).WithItem(id)
}
