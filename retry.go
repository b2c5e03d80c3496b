package checkout

import (
	"context"
	"errors"
	"time"
)

// Retry defaults for the transaction fetch
const (
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 1 * time.Second
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds the transaction fetch loop
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles on every later failure
	BaseDelay time.Duration
	// Sleep waits between attempts (optional, defaults to SleepOrDone)
	Sleep SleepFunc
}

// DefaultRetryPolicy returns three attempts starting at one second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultRetryAttempts,
		BaseDelay:   DefaultRetryBaseDelay,
	}
}

// NextDelay returns the wait after the given failed attempt (0-based):
// BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so large attempt counts cannot overflow
	if attempt > 30 {
		attempt = 30
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retry runs op until it succeeds, returns a non-retryable error, or the attempts run out.
// Exhaustion yields ErrFetchExhausted wrapping the last error. Cancelling ctx aborts any
// pending delay.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	sleep := policy.Sleep
	if sleep == nil {
		sleep = SleepOrDone
	}

	var lastErr error
	attempts := policy.attempts()
	for attempt := range attempts {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsRetryable(err) {
			var pe *permanentError
			if errors.As(err, &pe) {
				return zero, pe.err
			}
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, policy.NextDelay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, wrapError(ErrFetchExhausted, lastErr)
}

// SleepOrDone waits for the duration or returns early on context cancellation.
func SleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
