package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retry bounds the transient-failure retry loop around one capability call.
type Retry struct {
	MaxAttempts int           // total attempts, not re-tries
	Base        time.Duration // first backoff; doubles per attempt
}

// DefaultRetry matches the empirically tuned production values: five
// attempts with 2s, 4s, 8s, 16s waits between them.
func DefaultRetry() Retry {
	return Retry{MaxAttempts: 5, Base: 2 * time.Second}
}

// Do runs op until it succeeds, fails permanently, exhausts the attempt
// budget, or the context ends. Only transient errors are retried.
func (r Retry) Do(ctx context.Context, op func(context.Context) error) error {
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.MaxAttempts-1 {
			break
		}
		wait := r.Base << attempt
		slog.Warn("transient capability error, backing off",
			"attempt", attempt+1, "max_attempts", r.MaxAttempts,
			"wait", wait, "error", lastErr)
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", r.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
