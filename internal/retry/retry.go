// Package retry decides what happens to a work item after a failed attempt.
package retry

import "fmt"

// Decision is the outcome of the retry policy.
type Decision int

const (
	// Retry returns the item to pending for another attempt.
	Retry Decision = iota
	// Block stops scheduling the item until an operator intervenes.
	Block
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ShouldRetry applies the policy to a retry count that already includes the
// failure just observed. An item is blocked once the count exceeds
// maxRetries, so maxRetries=2 allows three attempts in total.
func ShouldRetry(retryCount, maxRetries int) Decision {
	if retryCount > maxRetries {
		return Block
	}
	return Retry
}

// BlockedReason formats the reason recorded on an item the policy blocked.
// cause is the description of the last failure and may be empty.
func BlockedReason(retryCount, maxRetries int, cause string) string {
	reason := fmt.Sprintf("max retries exceeded (%d failures, max %d)", retryCount, maxRetries)
	if cause != "" {
		reason += ": " + cause
	}
	return reason
}
