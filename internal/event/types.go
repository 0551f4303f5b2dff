package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns the "category.action" identifier of the event.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeItemDispatched = "item.dispatched"
	TypeAttemptDone    = "item.attempt_finished"
	TypeItemVerified   = "item.verified"
	TypeItemRetrying   = "item.retrying"
	TypeItemBlocked    = "item.blocked"
	TypeItemCompleted  = "item.completed"
	TypeRunWaiting     = "run.waiting"
	TypeRunFinished    = "run.finished"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// ItemDispatchedEvent is emitted when the dispatcher selects an item.
type ItemDispatchedEvent struct {
	baseEvent
	ItemID  string
	Title   string
	Attempt int
}

// NewItemDispatchedEvent creates an ItemDispatchedEvent.
func NewItemDispatchedEvent(itemID, title string, attempt int) ItemDispatchedEvent {
	return ItemDispatchedEvent{
		baseEvent: newBaseEvent(TypeItemDispatched),
		ItemID:    itemID,
		Title:     title,
		Attempt:   attempt,
	}
}

// AttemptFinishedEvent is emitted when an execution attempt returns.
type AttemptFinishedEvent struct {
	baseEvent
	ItemID     string
	Attempt    int
	TimedOut   bool
	AgentError string
	Duration   time.Duration
}

// NewAttemptFinishedEvent creates an AttemptFinishedEvent.
func NewAttemptFinishedEvent(itemID string, attempt int, timedOut bool, agentErr string, d time.Duration) AttemptFinishedEvent {
	return AttemptFinishedEvent{
		baseEvent:  newBaseEvent(TypeAttemptDone),
		ItemID:     itemID,
		Attempt:    attempt,
		TimedOut:   timedOut,
		AgentError: agentErr,
		Duration:   d,
	}
}

// ItemVerifiedEvent is emitted with the verification outcome of an attempt.
type ItemVerifiedEvent struct {
	baseEvent
	ItemID  string
	Attempt int
	Passed  bool
	Detail  string
}

// NewItemVerifiedEvent creates an ItemVerifiedEvent.
func NewItemVerifiedEvent(itemID string, attempt int, passed bool, detail string) ItemVerifiedEvent {
	return ItemVerifiedEvent{
		baseEvent: newBaseEvent(TypeItemVerified),
		ItemID:    itemID,
		Attempt:   attempt,
		Passed:    passed,
		Detail:    detail,
	}
}

// ItemRetryingEvent is emitted when a failed item goes back to pending.
type ItemRetryingEvent struct {
	baseEvent
	ItemID     string
	RetryCount int
	MaxRetries int
	Cause      string
}

// NewItemRetryingEvent creates an ItemRetryingEvent.
func NewItemRetryingEvent(itemID string, retryCount, maxRetries int, cause string) ItemRetryingEvent {
	return ItemRetryingEvent{
		baseEvent:  newBaseEvent(TypeItemRetrying),
		ItemID:     itemID,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Cause:      cause,
	}
}

// ItemBlockedEvent is emitted when an item exhausts its retries.
type ItemBlockedEvent struct {
	baseEvent
	ItemID string
	Reason string
}

// NewItemBlockedEvent creates an ItemBlockedEvent.
func NewItemBlockedEvent(itemID, reason string) ItemBlockedEvent {
	return ItemBlockedEvent{
		baseEvent: newBaseEvent(TypeItemBlocked),
		ItemID:    itemID,
		Reason:    reason,
	}
}

// ItemCompletedEvent is emitted when an item passes verification.
type ItemCompletedEvent struct {
	baseEvent
	ItemID  string
	Attempt int
}

// NewItemCompletedEvent creates an ItemCompletedEvent.
func NewItemCompletedEvent(itemID string, attempt int) ItemCompletedEvent {
	return ItemCompletedEvent{
		baseEvent: newBaseEvent(TypeItemCompleted),
		ItemID:    itemID,
		Attempt:   attempt,
	}
}

// RunWaitingEvent is emitted when no item is ready but some are held
// in progress by another worker.
type RunWaitingEvent struct {
	baseEvent
	InProgress []string
	Waited     time.Duration
}

// NewRunWaitingEvent creates a RunWaitingEvent.
func NewRunWaitingEvent(inProgress []string, waited time.Duration) RunWaitingEvent {
	return RunWaitingEvent{
		baseEvent:  newBaseEvent(TypeRunWaiting),
		InProgress: inProgress,
		Waited:     waited,
	}
}

// RunFinishedEvent is emitted once when the loop stops.
type RunFinishedEvent struct {
	baseEvent
	RunID      string
	StopReason string
	Completed  int
	Blocked    int
	Pending    int
	Iterations int
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, stopReason string, completed, blocked, pending, iterations int) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent:  newBaseEvent(TypeRunFinished),
		RunID:      runID,
		StopReason: stopReason,
		Completed:  completed,
		Blocked:    blocked,
		Pending:    pending,
		Iterations: iterations,
	}
}
