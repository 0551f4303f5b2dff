package state

import (
	"context"
	"strings"
	"testing"

	"github.com/Iron-Ham/foreman/internal/checkpoint"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/tracker"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// failingWriter refuses every checkpoint write.
type failingWriter struct{ calls int }

func (f *failingWriter) Write(cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	f.calls++
	return nil, errors.New("disk full")
}

func chainItems() []workitem.WorkItem {
	return []workitem.WorkItem{
		{ID: "a", Status: workitem.StatusPending},
		{ID: "b", DependencyIDs: []string{"a"}, Status: workitem.StatusPending},
		{ID: "c", DependencyIDs: []string{"b"}, Status: workitem.StatusPending},
	}
}

func newTestStore(t *testing.T, items []workitem.WorkItem) (*Store, *tracker.MemoryTracker, *checkpoint.Manager) {
	t.Helper()
	mgr, err := checkpoint.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	tr := tracker.NewMemoryTracker(items...)
	return New("run-1", items, tr, mgr), tr, mgr
}

func TestStore_SetStatusWritesCheckpointAndTracker(t *testing.T) {
	ctx := context.Background()
	s, tr, mgr := newTestStore(t, chainItems())

	if err := s.SetStatus(ctx, "a", workitem.StatusInProgress, ""); err != nil {
		t.Fatalf("SetStatus() = %v", err)
	}
	if err := s.SetStatus(ctx, "a", workitem.StatusComplete, ""); err != nil {
		t.Fatalf("SetStatus() = %v", err)
	}

	latest, err := mgr.Latest()
	if err != nil {
		t.Fatalf("Latest() = %v", err)
	}
	if latest.Sequence != 2 || latest.LastCompletedID != "a" {
		t.Errorf("latest = seq %d last %q", latest.Sequence, latest.LastCompletedID)
	}
	if st, _ := latest.Get("a"); st.Status != workitem.StatusComplete {
		t.Errorf("checkpointed status = %s", st.Status)
	}
	if got, _ := tr.Get("a"); got.Status != workitem.StatusComplete {
		t.Errorf("tracker status = %s", got.Status)
	}
	if tr.SyncCount() != 2 {
		t.Errorf("SyncCount() = %d, want 2", tr.SyncCount())
	}
	if s.LastCheckpoint().Sequence != 2 {
		t.Errorf("LastCheckpoint().Sequence = %d", s.LastCheckpoint().Sequence)
	}
}

func TestStore_SameStatusIsNoop(t *testing.T) {
	s, _, mgr := newTestStore(t, chainItems())
	if err := s.SetStatus(context.Background(), "a", workitem.StatusPending, ""); err != nil {
		t.Fatalf("SetStatus() = %v", err)
	}
	if infos, _ := mgr.List(); len(infos) != 0 {
		t.Errorf("no-op wrote %d checkpoints", len(infos))
	}
}

func TestStore_IllegalTransition(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, chainItems())

	err := s.SetStatus(ctx, "a", workitem.StatusComplete, "")
	if !errors.Is(err, errors.ErrIllegalTransition) {
		t.Fatalf("pending->complete = %v, want ErrIllegalTransition", err)
	}
	var se *errors.StateError
	if !errors.As(err, &se) || se.From != "pending" || se.To != "complete" || se.ItemID != "a" {
		t.Errorf("StateError = %+v", se)
	}
	if st, _ := s.Status("a"); st != workitem.StatusPending {
		t.Errorf("status changed to %s", st)
	}

	if err := s.SetStatus(ctx, "zzz", workitem.StatusPending, ""); !errors.Is(err, errors.ErrItemNotFound) {
		t.Errorf("unknown id = %v", err)
	}
}

func TestStore_CheckpointFailureLeavesStateUnchanged(t *testing.T) {
	fw := &failingWriter{}
	tr := tracker.NewMemoryTracker(chainItems()...)
	s := New("run", chainItems(), tr, fw)

	err := s.SetStatus(context.Background(), "a", workitem.StatusInProgress, "")
	if err == nil || !errors.IsFatal(err) {
		t.Fatalf("SetStatus() = %v, want fatal error", err)
	}
	if st, _ := s.Status("a"); st != workitem.StatusPending {
		t.Errorf("status = %s, want pending", st)
	}
	if len(tr.Updates()) != 0 {
		t.Error("tracker was updated although the checkpoint failed")
	}
	if fw.calls != 1 {
		t.Errorf("writer calls = %d", fw.calls)
	}
}

func TestStore_TrackerFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	s, tr, _ := newTestStore(t, chainItems())

	tr.FailUpdate(errors.New("offline"))
	if err := s.SetStatus(ctx, "a", workitem.StatusInProgress, ""); err != nil {
		t.Fatalf("tracker failure must not fail SetStatus: %v", err)
	}
	if got := s.Unflushed(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Unflushed() = %v", got)
	}

	// Reconciliation must not let the stale tracker value undo the local change.
	tr.FailUpdate(nil)
	tr.FailList(errors.New("still flaky"))
	if _, err := s.ListReady(ctx); err != nil {
		t.Fatalf("ListReady() = %v", err)
	}
	if len(s.Unflushed()) != 0 {
		t.Errorf("Unflushed() after ListReady = %v", s.Unflushed())
	}
	if got, _ := tr.Get("a"); got.Status != workitem.StatusInProgress {
		t.Errorf("tracker status = %s", got.Status)
	}
}

func TestStore_UpdateForUnknownTrackerItemIsDropped(t *testing.T) {
	mgr, err := checkpoint.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	tr := tracker.NewMemoryTracker()
	s := New("run-1", chainItems(), tr, mgr)

	if err := s.SetStatus(context.Background(), "a", workitem.StatusInProgress, ""); err != nil {
		t.Fatalf("SetStatus() = %v", err)
	}
	if got := s.Unflushed(); len(got) != 0 {
		t.Errorf("Unflushed() = %v, want the rejected update dropped", got)
	}
	if st, _ := s.Status("a"); st != workitem.StatusInProgress {
		t.Errorf("local status = %s, want in_progress", st)
	}
}

func TestStore_UnflushedSurvivesReconcile(t *testing.T) {
	ctx := context.Background()
	s, tr, _ := newTestStore(t, chainItems())

	tr.FailSync(errors.New("offline"))
	if err := s.SetStatus(ctx, "a", workitem.StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}
	// Tracker still reports pending for a; the unflushed local change wins.
	tr.Set(workitem.WorkItem{ID: "a", Status: workitem.StatusPending})
	if _, err := s.ListReady(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.Status("a"); st != workitem.StatusInProgress {
		t.Errorf("status = %s, want in_progress", st)
	}
}

func TestStore_ListReady(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, chainItems())

	ready, err := s.ListReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ready, ",") != "a" {
		t.Errorf("ListReady() = %v, want [a]", ready)
	}

	s.SetStatus(ctx, "a", workitem.StatusInProgress, "")
	s.SetStatus(ctx, "a", workitem.StatusComplete, "")
	ready, _ = s.ListReady(ctx)
	if strings.Join(ready, ",") != "b" {
		t.Errorf("ListReady() = %v, want [b]", ready)
	}
}

func TestStore_ReconcileAppliesOperatorEdits(t *testing.T) {
	ctx := context.Background()
	items := chainItems()
	items[0].Status = workitem.StatusBlocked
	items[0].BlockedReason = "max retries exceeded (3 failures, max 2)"
	items[0].RetryCount = 3
	s, tr, mgr := newTestStore(t, items)

	ready, _ := s.ListReady(ctx)
	if len(ready) != 0 {
		t.Fatalf("ListReady() = %v, want none while a is blocked", ready)
	}
	if infos, _ := mgr.List(); len(infos) != 0 {
		t.Errorf("reconcile without changes wrote %d checkpoints", len(infos))
	}

	// Operator clears the block in the tracker.
	tr.Set(workitem.WorkItem{ID: "a", Status: workitem.StatusPending})
	ready, err := s.ListReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ready, ",") != "a" {
		t.Errorf("ListReady() after unblock = %v, want [a]", ready)
	}
	it, _ := s.Item("a")
	if it.BlockedReason != "" || it.RetryCount != 3 {
		t.Errorf("a = %+v, want cleared reason and kept retry count", it)
	}
	if infos, _ := mgr.List(); len(infos) != 1 {
		t.Errorf("reconcile change wrote %d checkpoints, want 1", len(infos))
	}

	// Operator completes b by hand; c becomes ready once a is also complete.
	tr.Set(workitem.WorkItem{ID: "b", Status: workitem.StatusComplete})
	tr.Set(workitem.WorkItem{ID: "a", Status: workitem.StatusComplete})
	ready, _ = s.ListReady(ctx)
	if strings.Join(ready, ",") != "c" {
		t.Errorf("ListReady() = %v, want [c]", ready)
	}
}

func TestStore_ReconcileKeepsReasonFromLabelOnlyTracker(t *testing.T) {
	ctx := context.Background()
	listing := `[{"number": 1, "title": "api", "body": "", "state": "OPEN",
  "labels": [{"name": "foreman"}, {"name": "foreman:blocked"}]}]`
	gh := tracker.NewGitHubTracker("", "foreman", tracker.WithExecutor(
		func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if len(args) >= 2 && args[0] == "issue" && args[1] == "list" {
				return []byte(listing), nil
			}
			return nil, nil
		}))
	mgr, err := checkpoint.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	s := New("run-1", []workitem.WorkItem{{ID: "1", Status: workitem.StatusPending}}, gh, mgr)

	reason := "max retries exceeded (3 failures, max 2): attempt 3 timed out after 1s"
	if err := s.SetStatus(ctx, "1", workitem.StatusBlocked, reason); err != nil {
		t.Fatalf("SetStatus() = %v", err)
	}
	if _, err := s.ListReady(ctx); err != nil {
		t.Fatalf("ListReady() = %v", err)
	}

	it, _ := s.Item("1")
	if it.Status != workitem.StatusBlocked || it.BlockedReason != reason {
		t.Errorf("after reconcile = %s %q, want blocked %q", it.Status, it.BlockedReason, reason)
	}
	if st, _ := s.LastCheckpoint().Get("1"); st.BlockedReason != reason {
		t.Errorf("checkpointed reason = %q", st.BlockedReason)
	}
}

func TestStore_ReconcileIgnoresForeignItemsAndReadyAlias(t *testing.T) {
	ctx := context.Background()
	s, tr, mgr := newTestStore(t, chainItems())
	tr.Set(workitem.WorkItem{ID: "a", Status: workitem.StatusReady})
	tr.Set(workitem.WorkItem{ID: "x", Status: workitem.StatusPending})

	ready, err := s.ListReady(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ready, ",") != "a" {
		t.Errorf("ListReady() = %v", ready)
	}
	if infos, _ := mgr.List(); len(infos) != 0 {
		t.Errorf("ready alias caused %d checkpoint writes", len(infos))
	}
	if _, ok := s.Item("x"); ok {
		t.Error("foreign tracker item was added to the run")
	}
}

func TestStore_Fail(t *testing.T) {
	ctx := context.Background()
	s, _, mgr := newTestStore(t, chainItems())
	s.SetStatus(ctx, "a", workitem.StatusInProgress, "")

	count, err := s.Fail(ctx, "a")
	if err != nil || count != 1 {
		t.Fatalf("Fail() = %d, %v", count, err)
	}
	latest, _ := mgr.Latest()
	if st, _ := latest.Get("a"); st.Status != workitem.StatusFailed || st.RetryCount != 1 {
		t.Errorf("checkpointed a = %+v", st)
	}

	if _, err := s.Fail(ctx, "a"); !errors.Is(err, errors.ErrIllegalTransition) {
		t.Errorf("Fail() from failed = %v", err)
	}
	if _, err := s.Fail(ctx, "missing"); !errors.Is(err, errors.ErrItemNotFound) {
		t.Errorf("Fail() on unknown id = %v", err)
	}
}

func TestStore_Recover(t *testing.T) {
	ctx := context.Background()
	items := []workitem.WorkItem{
		{ID: "a", Status: workitem.StatusInProgress},
		{ID: "b", Status: workitem.StatusFailed, RetryCount: 1},
		{ID: "c", Status: workitem.StatusFailed, RetryCount: 3},
		{ID: "d", Status: workitem.StatusComplete},
	}
	s, _, _ := newTestStore(t, items)

	changed, err := s.Recover(ctx, 2)
	if err != nil {
		t.Fatalf("Recover() = %v", err)
	}
	if strings.Join(changed, ",") != "a,b,c" {
		t.Errorf("changed = %v", changed)
	}
	want := map[string]workitem.Status{
		"a": workitem.StatusPending,
		"b": workitem.StatusPending,
		"c": workitem.StatusBlocked,
		"d": workitem.StatusComplete,
	}
	for id, st := range want {
		if got, _ := s.Status(id); got != st {
			t.Errorf("%s = %s, want %s", id, got, st)
		}
	}
	c, _ := s.Item("c")
	if !strings.HasPrefix(c.BlockedReason, "max retries exceeded (3 failures, max 2)") {
		t.Errorf("c reason = %q", c.BlockedReason)
	}
}

func TestStore_ItemsAndSnapshot(t *testing.T) {
	s, _, _ := newTestStore(t, chainItems())
	items := s.Items()
	items[1].DependencyIDs[0] = "mutated"
	if it, _ := s.Item("b"); it.DependencyIDs[0] != "a" {
		t.Error("Items() leaked internal state")
	}
	snap := s.Snapshot()
	if strings.Join(snap.Order, ",") != "a,b,c" || snap.RunID != "run-1" || snap.Sequence != 0 {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() = %v", err)
	}
	if s.LastCheckpoint() == nil || s.LastCheckpoint().Sequence != 1 {
		t.Error("Checkpoint() did not record the written checkpoint")
	}
}
