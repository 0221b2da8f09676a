package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/timskillet/replicated-filestore/internal/dfserr"
)

const backoffMultiplier = 2

// Backoff is an exponential retry policy.
type Backoff struct {
	Attempts int
	Initial  time.Duration
}

// Retry runs fn until it succeeds, returns a terminal error, or attempts run out. The wait
// doubles after each failure and is cut short by ctx.
func Retry(ctx context.Context, b Backoff, fn func(attempt int) error) error {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	var lastErr error
	backoff := b.Initial

	for attempt := 0; attempt < b.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= backoffMultiplier
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if dfserr.IsTerminal(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", b.Attempts, lastErr)
}
