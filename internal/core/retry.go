package core

import (
	"context"
	"time"
)

// Default retry settings for deliveries.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// RetryPolicy bounds delivery attempts for a single row.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64 // 1 or less keeps the delay fixed
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is three attempts two seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay, Multiplier: 1}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// delay returns the wait before attempt n+1, given n failed attempts.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
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

// sendWithRetry delivers msg, updating outcome in place. Each failed
// attempt increments Attempts and replaces Error with the latest failure.
// Permanent failures end the loop immediately.
func sendWithRetry(ctx context.Context, ch DeliveryChannel, msg Message, policy RetryPolicy, sleep sleepFunc, outcome *RowOutcome, onRetry func(attempt int, err error)) {
	max := policy.attempts()
	for {
		err := ch.Send(ctx, msg)
		outcome.Attempts++
		if err == nil {
			outcome.Status = OutcomeSuccess
			outcome.Error = ""
			return
		}

		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()

		if outcome.Attempts >= max || !IsRetryable(err) {
			return
		}
		if onRetry != nil {
			onRetry(outcome.Attempts, err)
		}
		if sleep(ctx, policy.delay(outcome.Attempts)) != nil {
			return
		}
	}
}
