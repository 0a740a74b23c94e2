package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_DelayForAttemptCapsAndJitters(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Jitter:      0.1,
	}
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.DelayForAttempt(attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(p.MaxDelay)*1.1)+time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestRetryPolicy_ShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	err := New(KindTransport, "deepgram", "connect reset")
	assert.True(t, p.ShouldRetry(err, 1))
	assert.False(t, p.ShouldRetry(err, p.MaxAttempts))
}

func TestRetryPolicy_ShouldRetryRespectsKind(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.False(t, p.ShouldRetry(New(KindConfig, "azure", "bad model"), 1))
	assert.False(t, p.ShouldRetry(New(KindAuth, "azure", "bad key"), 1))
	assert.True(t, p.ShouldRetry(New(KindTimeout, "azure", "idle"), 1))
}

func TestRetryPolicy_DoRetriesThenSucceeds(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0,
		RetryableKind: func(k Kind) bool {
			return k == KindTransport
		},
	}
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return New(KindTransport, "deepgram", "reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_DoStopsOnNonRetryableKind(t *testing.T) {
	p := DefaultRetryPolicy()
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return New(KindAuth, "azure", "bad key")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_DoHonorsContextCancellation(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:   10,
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		Jitter:        0,
		RetryableKind: func(k Kind) bool { return true },
	}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		attempts++
		return New(KindTransport, "deepgram", "reset")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRetryPolicy_DoRespectsRetryAfterHint(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:   2,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Jitter:        0,
		RetryableKind: func(k Kind) bool { return true },
	}
	start := time.Now()
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return &Error{Kind: KindRateLimit, Provider: "openai", RetryAfter: 0.03}
	})
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
