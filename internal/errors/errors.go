// Package errors provides centralized error definitions and error handling utilities
// for foreman. It defines the scheduler's error taxonomy, sentinel errors, and
// classification helpers used by the scheduling loop to decide whether a failure
// aborts the run, feeds the retry policy, or is absorbed and logged.
//
// # Error Types
//
// Fatal errors stop a run before or during dispatch:
//   - SchemaError: a work item is malformed or references an unknown dependency
//   - CycleError: the dependency graph contains a cycle
//   - DesyncError: the in-memory view and the persisted view disagree
//   - StateError: an illegal status transition was attempted
//
// Failure-path errors feed the retry policy:
//   - ExecutionError: an attempt timed out or the agent reported an error
//   - VerificationError: an attempt finished but verification did not pass
//   - ExhaustedRetriesError: the retry budget for an item is spent
//
// Recoverable errors are logged and absorbed:
//   - CheckpointError: a checkpoint could not be decoded
//   - TrackerError: the issue tracker could not be reached
//
// # Usage
//
//	err := errors.NewSchemaError("unknown dependency", "task-2").WithDependency("task-9")
//
//	var cycle *errors.CycleError
//	if errors.As(err, &cycle) { fmt.Println(cycle.Path) }
//
//	if errors.IsFatal(err) { return err }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that abort a run.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Graph sentinel errors
var (
	// ErrSchema indicates a malformed work item set.
	ErrSchema = New("schema violation")
	// ErrCycle indicates a dependency cycle.
	ErrCycle = New("dependency cycle detected")
)

// Execution sentinel errors
var (
	// ErrTransientExecution indicates an attempt timed out or the agent failed.
	ErrTransientExecution = New("transient execution failure")
	// ErrVerificationFailed indicates an attempt did not pass verification.
	ErrVerificationFailed = New("verification failed")
	// ErrExhaustedRetries indicates an item ran out of retries.
	ErrExhaustedRetries = New("max retries exceeded")
)

// State sentinel errors
var (
	// ErrCheckpointCorrupt indicates a checkpoint could not be decoded.
	ErrCheckpointCorrupt = New("checkpoint corrupt")
	// ErrNoCheckpoint indicates that no checkpoint exists yet.
	ErrNoCheckpoint = New("no checkpoint found")
	// ErrStateDesync indicates the in-memory and persisted views disagree.
	ErrStateDesync = New("state store desync")
	// ErrIllegalTransition indicates a status change not allowed by the state machine.
	ErrIllegalTransition = New("illegal status transition")
	// ErrItemNotFound indicates an unknown work item id.
	ErrItemNotFound = New("work item not found")
	// ErrTrackerUnavailable indicates the issue tracker could not be reached.
	ErrTrackerUnavailable = New("tracker unavailable")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ForemanError is the base interface for all foreman errors.
type ForemanError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsFatal returns true if the error must abort the run.
	IsFatal() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
	fatal     bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsFatal returns whether the error aborts the run.
func (e *baseError) IsFatal() bool {
	return e.fatal
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// matches reports whether target is the sentinel or is reachable through the cause.
func (e *baseError) matches(sentinel, target error) bool {
	if target == sentinel {
		return true
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// Graph Errors
// -----------------------------------------------------------------------------

// SchemaError reports a malformed item set: missing id, duplicate id,
// invalid enumeration value, or a dependency on an unknown item.
//
// Example:
//
//	err := errors.NewSchemaError("unknown dependency", "b").WithDependency("z")
//	fmt.Println(err) // "schema error [item=b, dependency=z]: unknown dependency"
type SchemaError struct {
	baseError
	ItemID       string
	DependencyID string
	Field        string
}

// NewSchemaError creates a new SchemaError for the given item.
func NewSchemaError(reason, itemID string) *SchemaError {
	return &SchemaError{
		baseError: baseError{
			message:  reason,
			severity: SeverityCritical,
			fatal:    true,
		},
		ItemID: itemID,
	}
}

// WithDependency records the offending dependency id.
func (e *SchemaError) WithDependency(id string) *SchemaError {
	e.DependencyID = id
	return e
}

// WithField records the offending field name.
func (e *SchemaError) WithField(field string) *SchemaError {
	e.Field = field
	return e
}

// Reason returns the violation without the formatted prefix.
func (e *SchemaError) Reason() string {
	return e.message
}

// Error returns the formatted error message.
func (e *SchemaError) Error() string {
	var parts []string
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.DependencyID != "" {
		parts = append(parts, fmt.Sprintf("dependency=%s", e.DependencyID))
	}
	return e.format("schema error", parts)
}

// Is checks if this error matches the target.
func (e *SchemaError) Is(target error) bool {
	return e.matches(ErrSchema, target)
}

// CycleError reports a dependency cycle. Path starts and ends with the same
// id and every element depends on the next one.
type CycleError struct {
	baseError
	Path []string
}

// NewCycleError creates a new CycleError for the given path.
func NewCycleError(path []string) *CycleError {
	p := make([]string, len(path))
	copy(p, path)
	return &CycleError{
		baseError: baseError{
			message:  "dependency cycle",
			severity: SeverityCritical,
			fatal:    true,
		},
		Path: p,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle error: %s: %s", e.message, strings.Join(e.Path, " -> "))
}

// Is checks if this error matches the target.
func (e *CycleError) Is(target error) bool {
	return e.matches(ErrCycle, target)
}

// -----------------------------------------------------------------------------
// Execution Errors
// -----------------------------------------------------------------------------

// ExecutionError reports a transient failure of one attempt: a timeout or an
// error reported by the agent. It always feeds the retry policy.
type ExecutionError struct {
	baseError
	ItemID   string
	Attempt  int
	TimedOut bool
	Timeout  time.Duration
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(message string, cause error) *ExecutionError {
	return &ExecutionError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// NewTimeoutError creates an ExecutionError for an attempt that exceeded its budget.
func NewTimeoutError(itemID string, timeout time.Duration) *ExecutionError {
	e := NewExecutionError(fmt.Sprintf("attempt timed out after %s", timeout), nil)
	e.ItemID = itemID
	e.TimedOut = true
	e.Timeout = timeout
	return e
}

// WithItem adds the work item id to the error context.
func (e *ExecutionError) WithItem(id string) *ExecutionError {
	e.ItemID = id
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *ExecutionError) WithAttempt(n int) *ExecutionError {
	e.Attempt = n
	return e
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	var parts []string
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("execution error", parts)
}

// Is checks if this error matches the target.
func (e *ExecutionError) Is(target error) bool {
	return e.matches(ErrTransientExecution, target)
}

// VerificationError reports an attempt that finished but failed verification.
type VerificationError struct {
	baseError
	ItemID  string
	Attempt int
	Detail  string
}

// NewVerificationError creates a new VerificationError.
func NewVerificationError(itemID, detail string) *VerificationError {
	return &VerificationError{
		baseError: baseError{
			message:   "verification did not pass",
			severity:  SeverityWarning,
			retryable: true,
		},
		ItemID: itemID,
		Detail: detail,
	}
}

// WithAttempt adds the attempt number to the error context.
func (e *VerificationError) WithAttempt(n int) *VerificationError {
	e.Attempt = n
	return e
}

// Error returns the formatted error message.
func (e *VerificationError) Error() string {
	var parts []string
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	msg := e.format("verification error", parts)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is checks if this error matches the target.
func (e *VerificationError) Is(target error) bool {
	return e.matches(ErrVerificationFailed, target)
}

// ExhaustedRetriesError is produced when the retry policy returns Block.
// Its message becomes the item's blocked reason.
type ExhaustedRetriesError struct {
	baseError
	ItemID     string
	Failures   int
	MaxRetries int
}

// NewExhaustedRetriesError creates a new ExhaustedRetriesError. The cause is
// the failure of the final attempt.
func NewExhaustedRetriesError(itemID string, failures, maxRetries int, cause error) *ExhaustedRetriesError {
	return &ExhaustedRetriesError{
		baseError: baseError{
			message:  fmt.Sprintf("max retries exceeded (%d failures, max %d)", failures, maxRetries),
			cause:    cause,
			severity: SeverityError,
		},
		ItemID:     itemID,
		Failures:   failures,
		MaxRetries: maxRetries,
	}
}

// Error returns the formatted error message.
func (e *ExhaustedRetriesError) Error() string {
	return e.baseError.Error()
}

// Is checks if this error matches the target.
func (e *ExhaustedRetriesError) Is(target error) bool {
	return e.matches(ErrExhaustedRetries, target)
}

// -----------------------------------------------------------------------------
// State Errors
// -----------------------------------------------------------------------------

// CheckpointError reports an unreadable or undecodable checkpoint. The caller
// downgrades it to a warning and rebuilds state from the tracker.
type CheckpointError struct {
	baseError
	Path string
}

// NewCheckpointError creates a new CheckpointError. The sentinel
// ErrCheckpointCorrupt always matches.
func NewCheckpointError(path, message string, cause error) *CheckpointError {
	return &CheckpointError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *CheckpointError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("checkpoint error", parts)
}

// Is checks if this error matches the target.
func (e *CheckpointError) Is(target error) bool {
	return e.matches(ErrCheckpointCorrupt, target)
}

// DesyncError reports an internal invariant violation between the ordering,
// the state store and the persisted checkpoint. It is always fatal.
type DesyncError struct {
	baseError
	ItemID string
}

// NewDesyncError creates a new DesyncError.
func NewDesyncError(message string) *DesyncError {
	return &DesyncError{
		baseError: baseError{
			message:  message,
			severity: SeverityCritical,
			fatal:    true,
		},
	}
}

// WithItem adds the work item id to the error context.
func (e *DesyncError) WithItem(id string) *DesyncError {
	e.ItemID = id
	return e
}

// WithCause sets the underlying cause.
func (e *DesyncError) WithCause(cause error) *DesyncError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *DesyncError) Error() string {
	var parts []string
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	return e.format("state desync", parts)
}

// Is checks if this error matches the target.
func (e *DesyncError) Is(target error) bool {
	return e.matches(ErrStateDesync, target)
}

// StateError reports a rejected state store operation.
type StateError struct {
	baseError
	ItemID string
	From   string
	To     string
}

// NewStateError creates a new StateError.
func NewStateError(message string, cause error) *StateError {
	return &StateError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
			fatal:    true,
		},
	}
}

// WithItem adds the work item id to the error context.
func (e *StateError) WithItem(id string) *StateError {
	e.ItemID = id
	return e
}

// WithTransition records the rejected transition.
func (e *StateError) WithTransition(from, to string) *StateError {
	e.From = from
	e.To = to
	return e
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	var parts []string
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	if e.From != "" || e.To != "" {
		parts = append(parts, fmt.Sprintf("%s->%s", e.From, e.To))
	}
	return e.format("state error", parts)
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// TrackerError reports a failed call to the issue tracker.
type TrackerError struct {
	baseError
	Backend   string
	Operation string
}

// NewTrackerError creates a new TrackerError. It is retryable unless the
// tracker reported that the item does not exist.
func NewTrackerError(backend, operation string, cause error) *TrackerError {
	return &TrackerError{
		baseError: baseError{
			message:   operation + " failed",
			cause:     cause,
			severity:  SeverityWarning,
			retryable: !errors.Is(cause, ErrItemNotFound),
		},
		Backend:   backend,
		Operation: operation,
	}
}

// Error returns the formatted error message.
func (e *TrackerError) Error() string {
	var parts []string
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}
	return e.format("tracker error", parts)
}

// Is checks if this error matches the target.
func (e *TrackerError) Is(target error) bool {
	return e.matches(ErrTrackerUnavailable, target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe ForemanError
	if As(err, &fe) {
		return fe.IsRetryable()
	}
	return false
}

// IsFatal returns true if the error must abort the scheduling loop.
//
// Example:
//
//	if errors.IsFatal(err) {
//	    return nil, err
//	}
//	log.Warn("absorbed error", "err", err)
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe ForemanError
	if As(err, &fe) {
		return fe.IsFatal()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ForemanError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var fe ForemanError
	if As(err, &fe) {
		return fe.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
