package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_TripsOpenAfterThresholdFailures(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Window: 10 * time.Second, Cooldown: 30 * time.Second}
	b := NewBreaker(cfg)

	for i := 0; i < 4; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State())
	}
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "next call should be rejected immediately")
}

func TestBreaker_HalfOpenAfterCooldownAdmitsOneProbe(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Window: time.Second, Cooldown: 20 * time.Millisecond}
	b := NewBreaker(cfg)

	b.Allow()
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(25 * time.Millisecond)

	assert.True(t, b.Allow(), "first call after cooldown should be admitted as a probe")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "a second concurrent caller must not get a probe slot")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Window: time.Second, Cooldown: 10 * time.Millisecond}
	b := NewBreaker(cfg)
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopensAndResetsCooldown(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Window: time.Second, Cooldown: 15 * time.Millisecond}
	b := NewBreaker(cfg)
	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	b.Allow() // probe admitted, HalfOpen
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "cooldown clock should have restarted")
}

func TestBreaker_FailuresOutsideWindowDontAccumulate(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Window: 10 * time.Millisecond, Cooldown: time.Second}
	b := NewBreaker(cfg)

	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()
	b.RecordFailure()

	assert.Equal(t, BreakerClosed, b.State(), "the window should have reset, so one failure shouldn't trip a threshold-2 breaker")
}
