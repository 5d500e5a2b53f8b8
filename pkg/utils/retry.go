package utils

import (
	"context"
	"math"
	"time"
)

// Backoff describes an exponential backoff schedule with a cap.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
}

// DefaultBackoff returns the default backoff schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       30 * time.Second,
		Cap:        15 * time.Minute,
		Multiplier: 2.0,
	}
}

// Delay returns the delay before retry number attempt (1-based). Delays
// grow strictly until the cap is reached.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// RetryConfig holds retry configuration for in-process retries.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: Backoff{
			Base:       100 * time.Millisecond,
			Cap:        10 * time.Second,
			Multiplier: 2.0,
		},
	}
}

// Retry executes fn with exponential backoff until it succeeds, the attempt
// budget is spent, or the context is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			// Don't sleep after the last attempt
			if attempt < cfg.MaxAttempts {
				select {
				case <-time.After(cfg.Backoff.Delay(attempt)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		} else {
			return nil
		}
	}

	return lastErr
}

// RetryWithResult executes fn with exponential backoff and returns its
// result.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		if attempt < cfg.MaxAttempts {
			select {
			case <-time.After(cfg.Backoff.Delay(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, lastErr
}
