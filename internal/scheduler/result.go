package scheduler

import (
	"time"

	"github.com/Iron-Ham/foreman/internal/checkpoint"
)

// StopReason explains why the loop ended.
type StopReason string

const (
	// StopAllComplete means every item is complete.
	StopAllComplete StopReason = "all_complete"
	// StopNoReadyItems means nothing is ready or running but some items are
	// not complete, because they are blocked or depend on blocked items.
	StopNoReadyItems StopReason = "no_ready_items"
	// StopIterationLimit means the configured iteration limit was reached.
	StopIterationLimit StopReason = "iteration_limit"
	// StopCanceled means the context was canceled between dispatches.
	StopCanceled StopReason = "canceled"
	// StopStalled means items held in progress elsewhere did not finish
	// within the stall timeout.
	StopStalled StopReason = "stalled"
	// StopError means a fatal error ended the run early.
	StopError StopReason = "error"
)

// AttemptSummary records one attempt made during the run.
type AttemptSummary struct {
	ItemID     string
	Number     int
	TimedOut   bool
	AgentError string
	Verified   bool
	Detail     string
	Duration   time.Duration
}

// Result is the outcome of Run or Resume. Every item appears in exactly one
// of CompletedIDs, BlockedIDs and PendingIDs, each in insertion order.
type Result struct {
	RunID        string
	CompletedIDs []string
	BlockedIDs   []string
	// BlockedReasons maps each blocked id to its reason.
	BlockedReasons map[string]string
	// PendingIDs holds every item that is neither complete nor blocked.
	PendingIDs []string
	// FailedIDs lists items with at least one failed attempt in this run.
	FailedIDs  []string
	Stop       StopReason
	Iterations int
	Attempts   []AttemptSummary
	// Checkpoint is the last checkpoint written by the run.
	Checkpoint *checkpoint.Checkpoint
}

// AllComplete reports whether every item finished.
func (r *Result) AllComplete() bool {
	return len(r.BlockedIDs) == 0 && len(r.PendingIDs) == 0
}
