package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

func sampleItems() []workitem.WorkItem {
	return []workitem.WorkItem{
		{ID: "A", Status: workitem.StatusComplete},
		{ID: "B", Status: workitem.StatusPending, RetryCount: 1, DependencyIDs: []string{"A"}},
		{ID: "C", Status: workitem.StatusBlocked, RetryCount: 3, BlockedReason: "max retries exceeded"},
	}
}

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestWriteAndLatest_RoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir(), WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}

	in := New("run-1", sampleItems(), "A")
	written, err := m.Write(in)
	if err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if written.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", written.Sequence)
	}
	if in.Sequence != 0 {
		t.Error("Write must not modify its argument")
	}

	got, err := m.Latest()
	if err != nil {
		t.Fatalf("Latest() = %v", err)
	}
	if !reflect.DeepEqual(got.Snapshot, in.Snapshot) {
		t.Errorf("Snapshot = %+v, want %+v", got.Snapshot, in.Snapshot)
	}
	if !reflect.DeepEqual(got.Order, []string{"A", "B", "C"}) {
		t.Errorf("Order = %v", got.Order)
	}
	if got.LastCompletedID != "A" || got.RunID != "run-1" {
		t.Errorf("LastCompletedID = %q, RunID = %q", got.LastCompletedID, got.RunID)
	}
	if !got.Timestamp.Equal(fixedClock()()) {
		t.Errorf("Timestamp = %v", got.Timestamp)
	}
	if !reflect.DeepEqual(got, written) {
		t.Errorf("reloaded checkpoint differs from written one:\n%+v\n%+v", got, written)
	}
}

func TestWrite_SequenceIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	for i := 1; i <= 3; i++ {
		cp, err := m.Write(New("r", sampleItems(), ""))
		if err != nil {
			t.Fatalf("Write() = %v", err)
		}
		if cp.Sequence != uint64(i) {
			t.Errorf("Sequence = %d, want %d", cp.Sequence, i)
		}
	}

	// A new manager over the same directory continues the sequence.
	m2, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	cp, err := m2.Write(New("r", sampleItems(), ""))
	if err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if cp.Sequence != 4 {
		t.Errorf("Sequence = %d, want 4", cp.Sequence)
	}
}

func TestWrite_Prunes(t *testing.T) {
	m, err := NewManager(t.TempDir(), WithRetain(2))
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := m.Write(New("r", sampleItems(), "")); err != nil {
			t.Fatalf("Write() = %v", err)
		}
	}
	infos, err := m.List()
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(infos))
	}
	if infos[0].Sequence != 4 || infos[1].Sequence != 5 {
		t.Errorf("kept sequences %d, %d; want 4, 5", infos[0].Sequence, infos[1].Sequence)
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	cp := New("r", sampleItems(), "ghost")
	if _, err := m.Write(cp); err == nil {
		t.Fatal("Write() should reject a last completed id missing from the snapshot")
	}
	if infos, _ := m.List(); len(infos) != 0 {
		t.Errorf("nothing should be written, found %d files", len(infos))
	}
}

func TestLatest_Empty(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	if _, err := m.Latest(); !errors.Is(err, errors.ErrNoCheckpoint) {
		t.Errorf("Latest() = %v, want ErrNoCheckpoint", err)
	}
}

func TestLoad_Corruption(t *testing.T) {
	valid := New("r", sampleItems(), "A")
	valid.Sequence = 1
	valid.Timestamp = fixedClock()()
	good, _ := json.Marshal(valid)

	tests := []struct {
		name    string
		content string
	}{
		{"truncated", string(good[:len(good)/2])},
		{"not json", "hello"},
		{"trailing content", string(good) + "{}"},
		{"unknown field", `{"sequence":1,"run_id":"r","timestamp":"2026-01-02T03:04:05Z","order":[],"snapshot":{},"extra":true}`},
		{"zero sequence", `{"sequence":0,"run_id":"r","timestamp":"2026-01-02T03:04:05Z","order":[],"snapshot":{}}`},
		{"missing snapshot", `{"sequence":1,"run_id":"r","timestamp":"2026-01-02T03:04:05Z","order":[]}`},
		{"invalid status", `{"sequence":1,"run_id":"r","timestamp":"2026-01-02T03:04:05Z","order":["a"],"snapshot":{"a":{"status":"done","retry_count":0}}}`},
		{"order mismatch", `{"sequence":1,"run_id":"r","timestamp":"2026-01-02T03:04:05Z","order":["a","b"],"snapshot":{"a":{"status":"pending","retry_count":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint-00000000000000000001.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if !errors.Is(err, errors.ErrCheckpointCorrupt) {
				t.Fatalf("Load() = %v, want checkpoint corruption", err)
			}
			var ce *errors.CheckpointError
			if !errors.As(err, &ce) || ce.Path != path {
				t.Errorf("CheckpointError path = %v", ce)
			}
		})
	}
}

func TestLoad_SequenceMismatch(t *testing.T) {
	cp := New("r", sampleItems(), "")
	cp.Sequence = 7
	data, _ := json.Marshal(cp)
	path := filepath.Join(t.TempDir(), "checkpoint-00000000000000000002.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, errors.ErrCheckpointCorrupt) {
		t.Errorf("Load() = %v, want corruption", err)
	}
}

func TestLatest_CorruptNewest(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	if _, err := m.Write(New("r", sampleItems(), "")); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	bad := filepath.Join(dir, "checkpoint-00000000000000000002.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Latest(); !errors.Is(err, errors.ErrCheckpointCorrupt) {
		t.Errorf("Latest() = %v, want corruption", err)
	}
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"notes.txt", "checkpoint-abc.json", "checkpoint-0.json", "checkpoint-00000000000000000001.json.tmp.123"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	infos, err := m.List()
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("List() = %+v, want empty", infos)
	}
}

func TestNewManager_RequiresDir(t *testing.T) {
	if _, err := NewManager(" "); err == nil {
		t.Error("NewManager with blank dir should fail")
	}
}

func TestCheckpointHelpers(t *testing.T) {
	cp := New("r", sampleItems(), "A")

	if got := cp.IDsWithStatus(workitem.StatusBlocked); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("IDsWithStatus(blocked) = %v", got)
	}
	if st, ok := cp.Get("B"); !ok || st.RetryCount != 1 {
		t.Errorf("Get(B) = %+v, %v", st, ok)
	}

	clone := cp.Clone()
	clone.Snapshot["A"] = ItemState{Status: workitem.StatusPending}
	clone.Order[0] = "Z"
	if cp.Snapshot["A"].Status != workitem.StatusComplete || cp.Order[0] != "A" {
		t.Error("Clone must not share maps or slices")
	}
}

func TestCheckpointMatches(t *testing.T) {
	cp := New("r", sampleItems(), "A")
	ids := func(list ...string) []workitem.WorkItem {
		out := make([]workitem.WorkItem, len(list))
		for i, id := range list {
			out[i] = workitem.WorkItem{ID: id}
		}
		return out
	}

	tests := []struct {
		name    string
		cp      *Checkpoint
		items   []workitem.WorkItem
		wantErr bool
	}{
		{"same items", cp, ids("A", "B", "C"), false},
		{"item added since", cp, ids("A", "B", "C", "D"), false},
		{"item removed since", cp, ids("A", "B"), true},
		{"unrelated item set", cp, ids("X", "Y"), true},
		{"empty checkpoint", New("r", nil, ""), ids("A"), true},
		{"both empty", New("r", nil, ""), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cp.Matches(tt.items)
			if (err != nil) != tt.wantErr {
				t.Errorf("Matches() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
