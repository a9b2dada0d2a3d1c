package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// withRetry runs op up to attempts times with exponential backoff starting
// at base. Context errors stop the loop immediately.
func withRetry(ctx context.Context, logger *slog.Logger, name string, attempts int, base time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := base << (attempt - 2)
			logger.Debug("retrying", "op", name, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }
