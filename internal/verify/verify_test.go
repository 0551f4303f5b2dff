package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/execution"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

func claimed(n int) execution.Attempt {
	return execution.Attempt{ItemID: "a", Number: n}
}

func TestVerify(t *testing.T) {
	item := workitem.WorkItem{ID: "a"}
	tests := []struct {
		name       string
		runner     RunnerFunc
		attempt    execution.Attempt
		timeout    time.Duration
		wantPassed bool
		wantDetail string
		wantCalled bool
	}{
		{
			name: "pass",
			runner: func(ctx context.Context, id string) (RunResult, error) {
				return RunResult{Passed: true, Detail: "ok"}, nil
			},
			attempt:    claimed(1),
			wantPassed: true,
			wantDetail: "ok",
			wantCalled: true,
		},
		{
			name: "reported failure",
			runner: func(ctx context.Context, id string) (RunResult, error) {
				return RunResult{Passed: false, Detail: "3 tests failed"}, nil
			},
			attempt:    claimed(1),
			wantDetail: "3 tests failed",
			wantCalled: true,
		},
		{
			name: "runner error fails closed even with Passed",
			runner: func(ctx context.Context, id string) (RunResult, error) {
				return RunResult{Passed: true}, errors.New("runner crashed")
			},
			attempt:    claimed(1),
			wantDetail: "runner crashed",
			wantCalled: true,
		},
		{
			name: "runner panic fails closed",
			runner: func(ctx context.Context, id string) (RunResult, error) {
				panic("boom")
			},
			attempt:    claimed(1),
			wantDetail: "panicked",
			wantCalled: true,
		},
		{
			name: "deadline fails closed",
			runner: func(ctx context.Context, id string) (RunResult, error) {
				<-ctx.Done()
				return RunResult{Passed: true}, nil
			},
			attempt:    claimed(1),
			timeout:    30 * time.Millisecond,
			wantDetail: "timed out after 30ms",
			wantCalled: true,
		},
		{
			name:       "timed out attempt is not verified",
			attempt:    execution.Attempt{ItemID: "a", Number: 2, TimedOut: true, Timeout: time.Minute},
			wantDetail: "attempt 2 timed out after 1m0s",
		},
		{
			name:       "agent error is not verified",
			attempt:    execution.Attempt{ItemID: "a", Number: 1, AgentError: "crashed"},
			wantDetail: "crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			runner := RunnerFunc(func(ctx context.Context, id string) (RunResult, error) {
				called = true
				if tt.runner == nil {
					return RunResult{Passed: true}, nil
				}
				return tt.runner(ctx, id)
			})
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}

			res := New(runner, timeout).Verify(context.Background(), item, tt.attempt)
			if res.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (detail %q)", res.Passed, tt.wantPassed, res.Detail)
			}
			if !strings.Contains(res.Detail, tt.wantDetail) {
				t.Errorf("Detail = %q, want substring %q", res.Detail, tt.wantDetail)
			}
			if called != tt.wantCalled {
				t.Errorf("runner called = %v, want %v", called, tt.wantCalled)
			}
			if res.AttemptNumber != tt.attempt.Number || res.ItemID != "a" {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	if (Result{Passed: true}).Err() != nil {
		t.Error("passed result should have no error")
	}
	err := Result{ItemID: "a", AttemptNumber: 2, Detail: "lint"}.Err()
	if !errors.Is(err, errors.ErrVerificationFailed) || !errors.IsRetryable(err) {
		t.Errorf("Err() = %v", err)
	}
	var ve *errors.VerificationError
	if !errors.As(err, &ve) || ve.Attempt != 2 {
		t.Errorf("VerificationError = %+v", ve)
	}
	if got := (Result{AttemptNumber: 2, Detail: "lint"}).Cause(); got != "attempt 2 failed verification: lint" {
		t.Errorf("Cause() = %q", got)
	}
}

func TestVerifyIgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := RunnerFunc(func(runCtx context.Context, id string) (RunResult, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		return RunResult{Passed: runCtx.Err() == nil}, nil
	})
	res := New(runner, time.Second).Verify(ctx, workitem.WorkItem{ID: "a"}, claimed(1))
	if !res.Passed {
		t.Errorf("verification cut short by parent cancellation: %+v", res)
	}
}
