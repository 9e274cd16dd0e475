package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// RetryPolicy computes the delay between attempts of a failing step.
// The delay before attempt k+1 is BaseDelay * 2^(k-1), capped at MaxDelay
// when MaxDelay is positive.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy starts at one second and never caps.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second}
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// IsRetryableError classifies whether a failed attempt may be repeated.
// Cancellation and typed errors with non-retryable codes are final;
// deadlines, network errors and anything unclassified are retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// waitBackoff sleeps for delay unless ctx ends or stop is closed first.
func waitBackoff(ctx context.Context, stop <-chan struct{}, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return context.Canceled
	}
}
