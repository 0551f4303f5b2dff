// Package scheduler drives work items to completion: it validates and orders
// the dependency graph, then repeatedly dispatches the next ready item to the
// agent, verifies the result, and applies the retry policy, checkpointing
// every transition so an interrupted run can resume.
//
// Exactly one attempt is in flight at a time. Cancelling the context stops
// the loop before the next dispatch; an attempt already running finishes or
// times out first.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/state"
	"github.com/Iron-Ham/foreman/internal/tracker"
	"github.com/Iron-Ham/foreman/internal/verify"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// instrumentationName names the tracer used for scheduler spans.
const instrumentationName = "github.com/Iron-Ham/foreman/internal/scheduler"

// minWaitDelay is the shortest pause while waiting on foreign in-progress items.
const minWaitDelay = 100 * time.Millisecond

// Config controls the loop.
type Config struct {
	// MaxRetries is how many failed attempts an item may retry. The item is
	// blocked once its retry count exceeds this value.
	MaxRetries int
	// DispatchDelay is the pause between iterations.
	DispatchDelay time.Duration
	// MaxIterations stops the loop after this many iterations; 0 means no limit.
	MaxIterations int
	// StallTimeout bounds how long the loop waits on items in progress
	// elsewhere when nothing is ready; 0 stops immediately.
	StallTimeout time.Duration
	// AttemptTimeout returns the execution budget for an item.
	AttemptTimeout func(workitem.Complexity) time.Duration
}

// ConfigFrom derives the loop configuration from the application config.
func ConfigFrom(cfg *config.Config) Config {
	exec := cfg.Execution
	return Config{
		MaxRetries:     cfg.Scheduler.MaxRetries,
		DispatchDelay:  cfg.Scheduler.DispatchDelay(),
		MaxIterations:  cfg.Scheduler.MaxIterations,
		StallTimeout:   cfg.Scheduler.StallTimeout(),
		AttemptTimeout: exec.TimeoutFor,
	}
}

// Deps are the collaborators of the loop.
type Deps struct {
	Tracker     tracker.Tracker
	Checkpoints state.CheckpointWriter
	Agent       agent.Agent
	Verifier    *verify.Engine
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventBus publishes progress events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithTracer sets the tracer for run, dispatch, execute and verify spans.
// The default uses the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithRunID fixes the id of runs started by Run.
func WithRunID(id string) Option {
	return func(s *Scheduler) {
		s.runID = id
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSleep replaces the context-aware pause between iterations.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// Scheduler runs the dispatch loop.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
	bus    *event.Bus
	tracer trace.Tracer
	runID  string
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

// New creates a scheduler. Every dependency is required.
func New(deps Deps, cfg Config, opts ...Option) (*Scheduler, error) {
	switch {
	case deps.Tracker == nil:
		return nil, fmt.Errorf("scheduler: tracker is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("scheduler: checkpoint writer is required")
	case deps.Agent == nil:
		return nil, fmt.Errorf("scheduler: agent is required")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("scheduler: verifier is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("scheduler: max retries must be non-negative")
	}
	if cfg.AttemptTimeout == nil {
		cfg.AttemptTimeout = func(workitem.Complexity) time.Duration { return 30 * time.Minute }
	}

	s := &Scheduler{
		deps:   deps,
		cfg:    cfg,
		logger: logging.NopLogger(),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) newRunID() string {
	if s.runID != "" {
		return s.runID
	}
	return "run-" + uuid.NewString()[:8]
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
