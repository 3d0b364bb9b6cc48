package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes how an operation is retried
type Policy struct {
	// MaxAttempts bounds the number of calls; 0 retries until ctx is done
	MaxAttempts int
	// Delay before the second attempt, doubled after each failure
	Delay time.Duration
	// MaxDelay caps the backoff; 0 means uncapped
	MaxDelay time.Duration
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.Delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls fn until it succeeds, the attempts run out or ctx is done.
// onError, if set, sees every failure together with the delay before the
// next attempt.
func Do(ctx context.Context, p Policy, fn func() error, onError func(err error, next time.Duration)) error {
	var lastErr error
	for attempt := 0; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		// Don't wait after the last attempt
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.backoff(attempt)
		if onError != nil {
			onError(err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
