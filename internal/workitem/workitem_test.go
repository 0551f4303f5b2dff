package workitem

import (
	"reflect"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusReady, StatusInProgress, true},
		{StatusPending, StatusReady, true},
		{StatusReady, StatusPending, true},
		{StatusInProgress, StatusComplete, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusBlocked, true},
		{StatusPending, StatusPending, true},
		{StatusComplete, StatusComplete, true},

		{StatusPending, StatusComplete, false},
		{StatusPending, StatusFailed, false},
		{StatusFailed, StatusComplete, false},
		{StatusFailed, StatusInProgress, false},
		{StatusComplete, StatusPending, false},
		{StatusComplete, StatusInProgress, false},
		{StatusBlocked, StatusPending, false},
		{StatusBlocked, StatusInProgress, false},
		{Status("done"), StatusPending, false},
		{StatusPending, Status(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("unknown").Valid() {
		t.Error("unknown status should be invalid")
	}
	if !StatusComplete.IsTerminal() || !StatusBlocked.IsTerminal() || StatusFailed.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
	if !StatusPending.IsWaiting() || !StatusReady.IsWaiting() || StatusInProgress.IsWaiting() {
		t.Error("IsWaiting mismatch")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("in_progress"); err != nil || s != StatusInProgress {
		t.Errorf("ParseStatus(in_progress) = %q, %v", s, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Error("ParseStatus(done) should fail")
	}
}

func TestComplexity(t *testing.T) {
	if Complexity("").OrDefault() != ComplexityMedium {
		t.Error("empty complexity should default to medium")
	}
	if Complexity("").String() != "medium" {
		t.Errorf("String() = %q", Complexity("").String())
	}
	if !ComplexityHigh.Valid() || Complexity("huge").Valid() {
		t.Error("Valid mismatch")
	}
}

func TestNormalize(t *testing.T) {
	in := WorkItem{ID: "c", DependencyIDs: []string{"a", "b", "a", "b"}}
	out := in.Normalize()

	if !reflect.DeepEqual(out.DependencyIDs, []string{"a", "b"}) {
		t.Errorf("DependencyIDs = %v, want [a b]", out.DependencyIDs)
	}
	if out.Status != StatusPending {
		t.Errorf("Status = %q, want pending", out.Status)
	}
	if out.Complexity != ComplexityMedium {
		t.Errorf("Complexity = %q, want medium", out.Complexity)
	}
	if len(in.DependencyIDs) != 4 {
		t.Error("Normalize must not mutate the receiver")
	}
}

func TestNormalizeKeepsInvalidValues(t *testing.T) {
	out := WorkItem{ID: "x", Status: "done", Complexity: "huge"}.Normalize()
	if out.Status != "done" || out.Complexity != "huge" {
		t.Errorf("invalid values should pass through, got %+v", out)
	}
}

func TestClone(t *testing.T) {
	in := WorkItem{ID: "a", DependencyIDs: []string{"b"}}
	out := in.Clone()
	out.DependencyIDs[0] = "z"
	if in.DependencyIDs[0] != "b" {
		t.Error("Clone must deep-copy DependencyIDs")
	}
}

func TestNormalizeAllAndIDs(t *testing.T) {
	items := NormalizeAll([]WorkItem{{ID: "b"}, {ID: "a"}})
	if got := IDs(items); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("IDs() = %v", got)
	}
}
