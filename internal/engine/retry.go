package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// DefaultMaxRetries is the attempt budget when a workflow carries no policy.
const DefaultMaxRetries = 3

// ExecuteWithRetry runs one step up to policy.MaxRetries times with a fixed
// delay between attempts. The first success wins; exhaustion returns a failed
// result carrying the last error. Retry applies uniformly to every step type,
// configuration errors included, so retry-safety of side effects belongs to
// the handlers.
func (e *Executor) ExecuteWithRetry(ctx context.Context, step schema.Step, index int, rc *RunContext, policy schema.RetryPolicy) *StepResult {
	maxAttempts := policy.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetries
	}
	delay := time.Duration(policy.RetryDelaySeconds) * time.Second

	var last *StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = e.ExecuteStep(ctx, step, index, rc)
		if last.Success {
			return last
		}

		slog.WarnContext(ctx, "step attempt failed",
			"step", step.Name,
			"type", step.Type,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", last.Error)

		if attempt == maxAttempts {
			return FailureResult(schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step failed after %d attempts: %s", maxAttempts, last.Error).WithStep(step.Name))
		}
		if err := waitRetryDelay(ctx, delay); err != nil {
			last = FailureResult(schema.NewErrorf(schema.ErrCodeTimeout,
				"retry interrupted: %s", err.Error()).WithStep(step.Name))
			break
		}
	}
	return last
}

// waitRetryDelay sleeps for the fixed retry delay or returns early when the
// context is cancelled.
func waitRetryDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
