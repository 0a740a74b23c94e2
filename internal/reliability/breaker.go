package reliability

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker's externally observable state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig carries a breaker's tuning knobs.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures within Window to trip
	SuccessThreshold int           // HalfOpen probe successes to close (always 1 probe per half-open)
	Window           time.Duration // sliding window failures are counted within
	Cooldown         time.Duration // Open duration before a HalfOpen probe is allowed
}

// DefaultBreakerConfig returns the breaker used when a caller doesn't
// supply its own knobs: 5 failures in 10s trips the breaker, 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Window:           10 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a per-(provider_id, endpoint) circuit breaker. State is
// readable atomically without locks; transitions take a mutex since they
// involve more than one field.
type Breaker struct {
	cfg BreakerConfig

	state atomic.Int32 // BreakerState

	mu            sync.Mutex
	failureCount  int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool
	halfOpenWins  int
}

// NewBreaker constructs a Breaker in the Closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg}
	b.state.Store(int32(BreakerClosed))
	return b
}

// State returns the current state without locking.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Allow reports whether a call may proceed. In Open state it transitions
// to HalfOpen once the cooldown has elapsed and admits exactly one probe
// call; every other caller observing HalfOpen while a probe is already
// outstanding is rejected.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // BreakerOpen
		b.mu.Lock()
		defer b.mu.Unlock()
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state.Store(int32(BreakerHalfOpen))
		b.probeInFlight = true
		b.halfOpenWins = 0
		return true
	}
}

// RecordSuccess reports a successful call. In HalfOpen, enough consecutive
// probe successes (SuccessThreshold) closes the breaker and resets
// counters; in Closed it resets the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.halfOpenWins++
		threshold := b.cfg.SuccessThreshold
		if threshold < 1 {
			threshold = 1
		}
		if b.halfOpenWins >= threshold {
			b.state.Store(int32(BreakerClosed))
			b.failureCount = 0
			b.windowStart = time.Time{}
		}
	case BreakerClosed:
		b.failureCount = 0
		b.windowStart = time.Time{}
	}
}

// RecordFailure reports a failed call. In Closed, it increments the
// failure count within the sliding window and trips to Open once the
// count reaches FailureThreshold. In HalfOpen, any probe failure reopens
// the breaker and resets the cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.state.Store(int32(BreakerOpen))
		b.openedAt = time.Now()
		b.failureCount = 0
		b.windowStart = time.Time{}
	case BreakerClosed:
		now := time.Now()
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart = now
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state.Store(int32(BreakerOpen))
			b.openedAt = now
		}
	}
}
