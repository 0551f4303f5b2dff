package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/foreman/internal/checkpoint"
	"github.com/Iron-Ham/foreman/internal/dispatch"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/execution"
	"github.com/Iron-Ham/foreman/internal/graph"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/state"
	"github.com/Iron-Ham/foreman/internal/verify"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Run validates items, orders them and drives them to completion. Schema and
// cycle errors are returned before anything is dispatched or written. A
// returned error other than those comes with the partial result reached so
// far.
func (s *Scheduler) Run(ctx context.Context, items []workitem.WorkItem) (*Result, error) {
	return s.start(ctx, s.newRunID(), workitem.NormalizeAll(items), "")
}

// Resume continues a run from the tracker's current item set. The tracker is
// authoritative for status; cp, when present, only restores retry counts,
// blocked reasons and the run id. A nil cp, or one written for a different
// item set, rebuilds state from the tracker alone.
func (s *Scheduler) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (*Result, error) {
	items, err := s.deps.Tracker.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracker items: %w", err)
	}
	items = workitem.NormalizeAll(items)

	if cp != nil {
		verr := cp.Validate()
		if verr == nil {
			verr = cp.Matches(items)
		}
		if verr != nil {
			s.logger.Warn("discarding checkpoint, rebuilding from tracker",
				"sequence", cp.Sequence, "run_id", cp.RunID, "error", verr.Error())
			cp = nil
		}
	}
	if cp == nil {
		s.logger.Info("resuming without a checkpoint", "items", len(items))
		return s.start(ctx, s.newRunID(), items, "")
	}

	items = overlayCheckpoint(items, cp)
	lastCompleted := ""
	for _, it := range items {
		if it.ID == cp.LastCompletedID && it.Status == workitem.StatusComplete {
			lastCompleted = it.ID
		}
	}
	s.logger.Info("resuming from checkpoint",
		"run_id", cp.RunID, "sequence", cp.Sequence, "items", len(items))
	return s.start(ctx, cp.RunID, items, lastCompleted)
}

// overlayCheckpoint restores what the tracker may not carry. Status always
// comes from the tracker.
func overlayCheckpoint(items []workitem.WorkItem, cp *checkpoint.Checkpoint) []workitem.WorkItem {
	out := make([]workitem.WorkItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
		st, ok := cp.Get(it.ID)
		if !ok {
			continue
		}
		out[i].RetryCount = max(it.RetryCount, st.RetryCount)
		if it.Status == workitem.StatusBlocked && it.BlockedReason == "" && st.Status == workitem.StatusBlocked {
			out[i].BlockedReason = st.BlockedReason
		}
	}
	return out
}

// run is the state of one Run or Resume call.
type run struct {
	*Scheduler
	id       string
	logger   *logging.Logger
	graph    *graph.Graph
	store    *state.Store
	disp     *dispatch.Dispatcher
	exec     *execution.Engine
	result   *Result
	failed   map[string]bool
	waitFrom time.Time
}

func (s *Scheduler) start(ctx context.Context, runID string, items []workitem.WorkItem, lastCompleted string) (*Result, error) {
	logger := s.logger.WithRun(runID)
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("foreman.run_id", runID),
		attribute.Int("foreman.items", len(items)),
	))
	defer span.End()

	g, err := graph.New(items)
	if err != nil {
		logger.Error("work items rejected", "error", err.Error())
		recordError(span, err)
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	logger.Info("run starting", "items", len(items), "order", order)

	store := state.New(runID, items, s.deps.Tracker, s.deps.Checkpoints,
		state.WithLogger(logger.WithPhase("state")),
		state.WithLastCompleted(lastCompleted))

	r := &run{
		Scheduler: s,
		id:        runID,
		logger:    logger,
		graph:     g,
		store:     store,
		disp:      dispatch.New(store, order),
		exec: execution.New(s.deps.Agent, store,
			execution.WithLogger(logger.WithPhase("execute")),
			execution.WithClock(s.now)),
		result: &Result{RunID: runID, BlockedReasons: map[string]string{}},
		failed: map[string]bool{},
	}

	if err := store.Checkpoint(); err != nil {
		recordError(span, err)
		return nil, err
	}
	if changed, err := store.Recover(ctx, s.cfg.MaxRetries); err != nil {
		recordError(span, err)
		return r.finish(ctx, StopError), err
	} else if len(changed) > 0 {
		logger.Info("recovered interrupted items", "items", changed)
	}

	stop, err := r.loop(ctx)
	res := r.finish(ctx, stop)
	span.SetAttributes(
		attribute.String("foreman.stop_reason", string(stop)),
		attribute.Int("foreman.completed", len(res.CompletedIDs)),
		attribute.Int("foreman.blocked", len(res.BlockedIDs)),
		attribute.Int("foreman.pending", len(res.PendingIDs)),
	)
	if err != nil {
		recordError(span, err)
	}
	return res, err
}

func (r *run) loop(ctx context.Context) (StopReason, error) {
	for {
		if ctx.Err() != nil {
			r.logger.Info("run canceled", "iterations", r.result.Iterations)
			return StopCanceled, nil
		}
		if r.cfg.MaxIterations > 0 && r.result.Iterations >= r.cfg.MaxIterations {
			r.logger.Warn("iteration limit reached", "max_iterations", r.cfg.MaxIterations)
			return StopIterationLimit, nil
		}
		r.result.Iterations++

		sel, err := r.disp.Next(ctx)
		if err != nil {
			r.logger.Error("dispatch failed", "error", err.Error())
			return StopError, err
		}
		if sel.Item != nil && ctx.Err() != nil {
			r.logger.Info("run canceled before dispatch", "item_id", sel.Item.ID)
			return StopCanceled, nil
		}

		switch {
		case sel.Item != nil:
			r.waitFrom = time.Time{}
			if err := r.process(ctx, *sel.Item); err != nil {
				if errors.IsFatal(err) {
					return StopError, err
				}
				r.logger.Warn("item processing failed", "item_id", sel.Item.ID, "error", err.Error())
			}
			r.sleep(ctx, r.cfg.DispatchDelay)

		case len(sel.Waiting) > 0:
			now := r.now()
			if r.waitFrom.IsZero() {
				r.waitFrom = now
			}
			waited := now.Sub(r.waitFrom)
			r.bus.Publish(event.NewRunWaitingEvent(sel.Waiting, waited))
			if waited >= r.cfg.StallTimeout {
				r.logger.Warn("stalled waiting for items in progress elsewhere",
					"items", sel.Waiting, "waited", waited.String())
				return StopStalled, nil
			}
			r.logger.Debug("waiting for items in progress elsewhere", "items", sel.Waiting)
			r.sleep(ctx, max(r.cfg.DispatchDelay, minWaitDelay))

		default:
			if len(r.store.IDsWithStatus(workitem.StatusComplete)) == len(r.store.Items()) {
				return StopAllComplete, nil
			}
			return StopNoReadyItems, nil
		}
	}
}

// process runs one attempt of item, verifies it and records the outcome.
// Only state errors are returned; attempt and verification failures feed
// the retry policy.
func (r *run) process(ctx context.Context, item workitem.WorkItem) error {
	n := item.RetryCount + 1
	logger := r.logger.WithItem(item.ID).With("attempt", n)
	timeout := r.cfg.AttemptTimeout(item.Complexity)

	ctx, span := r.tracer.Start(ctx, "scheduler.item", trace.WithAttributes(
		attribute.String("foreman.item_id", item.ID),
		attribute.Int("foreman.attempt", n),
	))
	defer span.End()

	logger.Info("dispatching item", "title", item.Title, "timeout", timeout.String())
	r.bus.Publish(event.NewItemDispatchedEvent(item.ID, item.Title, n))

	att := r.execute(ctx, item, n, timeout)
	if att.StateErr != nil {
		logger.Error("could not start attempt", "error", att.StateErr.Error())
		recordError(span, att.StateErr)
		return att.StateErr
	}
	r.bus.Publish(event.NewAttemptFinishedEvent(item.ID, n, att.TimedOut, att.AgentError, att.Duration()))

	// Timed-out and failed attempts never reach the verifier.
	res := verify.Result{ItemID: item.ID, AttemptNumber: n, Detail: att.Cause()}
	if att.Claimed() {
		res = r.verify(ctx, item, att)
		r.bus.Publish(event.NewItemVerifiedEvent(item.ID, n, res.Passed, res.Detail))
	}
	r.result.Attempts = append(r.result.Attempts, AttemptSummary{
		ItemID:     item.ID,
		Number:     n,
		TimedOut:   att.TimedOut,
		AgentError: att.AgentError,
		Verified:   res.Passed,
		Detail:     res.Detail,
		Duration:   att.Duration(),
	})

	if res.Passed {
		if err := r.store.SetStatus(ctx, item.ID, workitem.StatusComplete, ""); err != nil {
			recordError(span, err)
			return err
		}
		logger.Info("item complete", "duration", att.Duration().String())
		r.bus.Publish(event.NewItemCompletedEvent(item.ID, n))
		return nil
	}

	r.failed[item.ID] = true
	cause, failure := res.Cause(), res.Err()
	if !att.Claimed() {
		cause, failure = att.Cause(), att.Err()
	}
	count, err := r.store.Fail(ctx, item.ID)
	if err != nil {
		recordError(span, err)
		return err
	}
	if failure != nil {
		recordError(span, failure)
	}

	if retry.ShouldRetry(count, r.cfg.MaxRetries) == retry.Block {
		exhausted := errors.NewExhaustedRetriesError(item.ID, count, r.cfg.MaxRetries, failure)
		reason := retry.BlockedReason(count, r.cfg.MaxRetries, cause)
		if err := r.store.SetStatus(ctx, item.ID, workitem.StatusBlocked, reason); err != nil {
			recordError(span, err)
			return err
		}
		logger.Warn("item blocked", "error", exhausted.Error(), "holding_back", r.graph.Downstream(item.ID))
		r.bus.Publish(event.NewItemBlockedEvent(item.ID, reason))
		return nil
	}

	if err := r.store.SetStatus(ctx, item.ID, workitem.StatusPending, ""); err != nil {
		recordError(span, err)
		return err
	}
	logger.Info("retrying item", "retry_count", count, "max_retries", r.cfg.MaxRetries, "cause", cause)
	r.bus.Publish(event.NewItemRetryingEvent(item.ID, count, r.cfg.MaxRetries, cause))
	return nil
}

func (r *run) execute(ctx context.Context, item workitem.WorkItem, n int, timeout time.Duration) execution.Attempt {
	ctx, span := r.tracer.Start(ctx, "scheduler.execute")
	defer span.End()
	att := r.exec.Execute(ctx, item, n, timeout)
	span.SetAttributes(attribute.Bool("foreman.timed_out", att.TimedOut))
	if err := att.Err(); err != nil {
		recordError(span, err)
	}
	return att
}

func (r *run) verify(ctx context.Context, item workitem.WorkItem, att execution.Attempt) verify.Result {
	ctx, span := r.tracer.Start(ctx, "scheduler.verify")
	defer span.End()
	res := r.deps.Verifier.Verify(ctx, item, att)
	span.SetAttributes(attribute.Bool("foreman.passed", res.Passed))
	if !res.Passed {
		span.SetStatus(codes.Error, res.Detail)
	}
	return res
}

// finish flushes pending tracker writes and partitions every item into the
// result.
func (r *run) finish(ctx context.Context, stop StopReason) *Result {
	r.store.Flush(context.WithoutCancel(ctx))

	res := r.result
	res.Stop = stop
	for _, it := range r.store.Items() {
		switch it.Status {
		case workitem.StatusComplete:
			res.CompletedIDs = append(res.CompletedIDs, it.ID)
		case workitem.StatusBlocked:
			res.BlockedIDs = append(res.BlockedIDs, it.ID)
			res.BlockedReasons[it.ID] = it.BlockedReason
		default:
			res.PendingIDs = append(res.PendingIDs, it.ID)
		}
		if r.failed[it.ID] {
			res.FailedIDs = append(res.FailedIDs, it.ID)
		}
	}
	res.Checkpoint = r.store.LastCheckpoint()

	if unflushed := r.store.Unflushed(); len(unflushed) > 0 {
		r.logger.Warn("tracker is behind the checkpoint", "items", unflushed)
	}
	r.logger.Info("run finished",
		"stop_reason", string(stop),
		"completed", len(res.CompletedIDs),
		"blocked", len(res.BlockedIDs),
		"pending", len(res.PendingIDs),
		"iterations", res.Iterations)
	r.bus.Publish(event.NewRunFinishedEvent(r.id, string(stop),
		len(res.CompletedIDs), len(res.BlockedIDs), len(res.PendingIDs), res.Iterations))
	return res
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
