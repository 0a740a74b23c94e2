package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is a pure policy object controlling bounded retry with
// jittered exponential backoff. The zero value retries nothing
// (MaxAttempts 0); construct with DefaultRetryPolicy or a literal.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64 // in [0,1]
	RetryableKind func(Kind) bool
}

// DefaultRetryPolicy returns a policy retrying transport, timeout,
// rate-limit, and circuit-open errors up to 5 attempts, starting at
// 200ms capped at 10s, with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
		RetryableKind: func(k Kind) bool {
			switch k {
			case KindTransport, KindTimeout, KindRateLimit, KindCircuitOpen:
				return true
			default:
				return false
			}
		},
	}
}

// DelayForAttempt returns the delay before retry attempt n (1-indexed):
// min(max_delay, base * 2^(n-1)) * uniform(1-jitter, 1+jitter).
func (p RetryPolicy) DelayForAttempt(n int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	capped := math.Min(float64(p.MaxDelay), base)
	lo := 1 - p.Jitter
	hi := 1 + p.Jitter
	factor := lo + rand.Float64()*(hi-lo)
	return time.Duration(capped * factor)
}

// ShouldRetry reports whether attempt (1-indexed, the attempt that just
// failed) should be retried given err.
func (p RetryPolicy) ShouldRetry(err *Error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.RetryableKind == nil {
		return err.Retryable()
	}
	return p.RetryableKind(err.Kind)
}

// Do runs fn, retrying per the policy until it succeeds, the policy is
// exhausted, or ctx is cancelled. fn's returned error must be a
// *reliability.Error for ShouldRetry to classify it — a non-*Error is
// treated as non-retryable.
//
// fn must not be used for streaming sends: outbound audio is never
// retried at this layer; the session reconnects at a higher level instead.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		rerr, ok := err.(*Error)
		if !ok || !p.ShouldRetry(rerr, attempt) {
			return err
		}

		delay := p.DelayForAttempt(attempt)
		if rerr.Kind == KindRateLimit && rerr.RetryAfter > 0 {
			hint := time.Duration(rerr.RetryAfter * float64(time.Second))
			if hint > delay {
				delay = hint
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
