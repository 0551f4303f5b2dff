// Package execution runs one bounded attempt of a work item through the agent.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// StatusSetter is the state store operation the engine needs.
type StatusSetter interface {
	SetStatus(ctx context.Context, id string, status workitem.Status, reason string) error
}

// Attempt records one execution attempt.
type Attempt struct {
	ItemID     string
	Number     int
	Timeout    time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	TimedOut   bool
	RawOutput  string
	// AgentError is the agent's failure description, empty on a success claim.
	AgentError string
	// StateErr is set when the item could not be marked in progress. The
	// agent was not invoked and the error is fatal for the run.
	StateErr error
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Claimed reports whether the agent claimed success in time. A claim still
// needs verification.
func (a Attempt) Claimed() bool {
	return a.StateErr == nil && !a.TimedOut && a.AgentError == ""
}

// Err returns the transient execution failure of the attempt, or nil.
func (a Attempt) Err() error {
	switch {
	case a.StateErr != nil:
		return a.StateErr
	case a.TimedOut:
		return errors.NewTimeoutError(a.ItemID, a.Timeout).WithAttempt(a.Number)
	case a.AgentError != "":
		return errors.NewExecutionError(a.AgentError, nil).WithItem(a.ItemID).WithAttempt(a.Number)
	}
	return nil
}

// Cause describes a failed attempt for blocked reasons and events.
func (a Attempt) Cause() string {
	switch {
	case a.TimedOut:
		return fmt.Sprintf("attempt %d timed out after %s", a.Number, a.Timeout)
	case a.AgentError != "":
		return fmt.Sprintf("attempt %d failed: %s", a.Number, a.AgentError)
	}
	return ""
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

// WithClock replaces time.Now for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine marks an item in progress and invokes the agent under a deadline.
type Engine struct {
	agent  agent.Agent
	state  StatusSetter
	logger *logging.Logger
	now    func() time.Time
}

// New creates an execution engine.
func New(a agent.Agent, state StatusSetter, opts ...Option) *Engine {
	e := &Engine{
		agent:  a,
		state:  state,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome struct {
	resp agent.Response
	err  error
}

// Execute runs attempt number n of item. The attempt ignores cancellation of
// ctx and ends at the first of agent return or timeout; a run that is
// stopping lets the in-flight attempt finish. Agent panics are captured and
// reported as agent errors. A timeout of zero or less means no deadline.
//
// Execute never returns an error; failures are recorded on the Attempt.
func (e *Engine) Execute(ctx context.Context, item workitem.WorkItem, n int, timeout time.Duration) Attempt {
	att := Attempt{ItemID: item.ID, Number: n, Timeout: timeout, StartedAt: e.now()}
	log := e.logger.WithItem(item.ID).With("attempt", n)

	if err := e.state.SetStatus(ctx, item.ID, workitem.StatusInProgress, ""); err != nil {
		att.StateErr = err
		att.AgentError = "could not mark item in progress: " + err.Error()
		att.FinishedAt = e.now()
		log.Error("failed to start attempt", "error", err.Error())
		return att
	}

	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}
	defer cancel()

	req := agent.NewRequest(item, n, timeout)
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		var pc panics.Catcher
		pc.Try(func() {
			out.resp, out.err = e.agent.Invoke(runCtx, req)
		})
		if r := pc.Recovered(); r != nil {
			out.err = fmt.Errorf("agent panicked: %w", r.AsError())
		}
		done <- out
	}()

	log.Info("attempt started", "timeout", timeout.String())
	select {
	case out := <-done:
		att.FinishedAt = e.now()
		att.RawOutput = out.resp.Output
		switch {
		case runCtx.Err() == context.DeadlineExceeded || errors.Is(out.err, context.DeadlineExceeded):
			att.TimedOut = true
		case out.err != nil:
			att.AgentError = out.err.Error()
		case !out.resp.Success:
			att.AgentError = out.resp.Error
			if att.AgentError == "" {
				att.AgentError = "agent reported failure"
			}
		}
	case <-runCtx.Done():
		att.FinishedAt = e.now()
		att.TimedOut = true
	}

	log.Info("attempt finished",
		"timed_out", att.TimedOut,
		"agent_error", att.AgentError,
		"duration", att.Duration().String())
	return att
}
