package workitem

import "fmt"

// Status is the lifecycle state of a work item.
type Status string

const (
	// StatusPending means the item has not run yet or is waiting for a retry.
	StatusPending Status = "pending"
	// StatusReady is accepted from trackers and treated exactly like pending.
	// Readiness itself is computed from dependency states.
	StatusReady Status = "ready"
	// StatusInProgress means an execution attempt is running.
	StatusInProgress Status = "in_progress"
	// StatusBlocked means the retry budget is spent. Only an operator can clear it.
	StatusBlocked Status = "blocked"
	// StatusComplete means an attempt passed verification.
	StatusComplete Status = "complete"
	// StatusFailed is the transient state between a failed attempt and the
	// retry decision.
	StatusFailed Status = "failed"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusPending, StatusReady, StatusInProgress, StatusBlocked, StatusComplete, StatusFailed,
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusInProgress, StatusBlocked, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for statuses the scheduler never leaves on its own.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusBlocked
}

// IsWaiting returns true for statuses eligible for dispatch once their
// dependencies are complete.
func (s Status) IsWaiting() bool {
	return s == StatusPending || s == StatusReady
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

// transitions lists the legal targets for each status. Pending and ready
// share their targets since ready is only a computed view of pending.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusInProgress, StatusBlocked},
	StatusReady:      {StatusPending, StatusInProgress, StatusBlocked},
	StatusInProgress: {StatusComplete, StatusFailed, StatusPending, StatusBlocked},
	StatusFailed:     {StatusPending, StatusBlocked},
	StatusBlocked:    {},
	StatusComplete:   {},
}

// CanTransition reports whether the state machine allows from -> to.
// A same-status write is always allowed and is a no-op for callers.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Complexity is a hint that scales resource allotments. It never changes
// ordering or correctness.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is a known complexity. Empty is valid and means medium.
func (c Complexity) Valid() bool {
	switch c {
	case "", ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// OrDefault returns c, or medium when c is empty.
func (c Complexity) OrDefault() Complexity {
	if c == "" {
		return ComplexityMedium
	}
	return c
}

// String returns the string representation of the complexity.
func (c Complexity) String() string {
	return string(c.OrDefault())
}
