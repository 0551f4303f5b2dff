// Package verify independently checks an attempt the agent claims succeeded.
//
// Verification fails closed: an attempt passes only when the runner returns
// without error, within its deadline, and reports a pass. Anything else,
// including a runner panic or a missing verification command, is a failure.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/execution"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// RunResult is a runner's verdict on one item.
type RunResult struct {
	Passed bool
	Detail string
}

// Runner performs the actual check for an item.
type Runner interface {
	Run(ctx context.Context, itemID string) (RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, itemID string) (RunResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, itemID string) (RunResult, error) {
	return f(ctx, itemID)
}

// Result is the verification outcome of one attempt.
type Result struct {
	ItemID        string
	AttemptNumber int
	Passed        bool
	Detail        string
}

// Err returns a *errors.VerificationError for a failed result, nil otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return errors.NewVerificationError(r.ItemID, r.Detail).WithAttempt(r.AttemptNumber)
}

// Cause describes a failed result for blocked reasons and events.
func (r Result) Cause() string {
	if r.Passed {
		return ""
	}
	return fmt.Sprintf("attempt %d failed verification: %s", r.AttemptNumber, r.Detail)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine runs verification under its own deadline.
type Engine struct {
	runner  Runner
	timeout time.Duration
	logger  *logging.Logger
}

// New creates a verification engine. A timeout of zero or less means no deadline.
func New(runner Runner, timeout time.Duration, opts ...Option) *Engine {
	e := &Engine{runner: runner, timeout: timeout, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify checks attempt att of item. Attempts that timed out or reported an
// agent error are not verified and fail immediately. Like execution, an
// in-flight verification is not cut short by cancellation of ctx.
func (e *Engine) Verify(ctx context.Context, item workitem.WorkItem, att execution.Attempt) Result {
	res := Result{ItemID: item.ID, AttemptNumber: att.Number}
	if !att.Claimed() {
		res.Detail = "attempt did not claim success"
		if cause := att.Cause(); cause != "" {
			res.Detail = cause
		}
		return res
	}

	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, e.timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}
	defer cancel()

	type outcome struct {
		result RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		var pc panics.Catcher
		pc.Try(func() {
			o.result, o.err = e.runner.Run(runCtx, item.ID)
		})
		if r := pc.Recovered(); r != nil {
			o.err = fmt.Errorf("verification runner panicked: %w", r.AsError())
		}
		done <- o
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		o.err = runCtx.Err()
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded || errors.Is(o.err, context.DeadlineExceeded):
		res.Detail = fmt.Sprintf("verification timed out after %s", e.timeout)
	case o.err != nil:
		res.Detail = o.err.Error()
	case !o.result.Passed:
		res.Detail = o.result.Detail
		if res.Detail == "" {
			res.Detail = "verification reported failure"
		}
	default:
		res.Passed = true
		res.Detail = o.result.Detail
	}

	e.logger.WithItem(item.ID).Info("verification finished",
		"attempt", att.Number,
		"passed", res.Passed,
		"detail", res.Detail)
	return res
}
