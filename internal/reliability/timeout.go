package reliability

import (
	"context"
	"time"
)

// Timeouts carries the three deadline knobs calls in this runtime are
// subject to: a connect deadline, a per-unary-call deadline, and a
// streaming idle-read watchdog.
type Timeouts struct {
	Connect    time.Duration
	Unary      time.Duration
	StreamIdle time.Duration
}

// DefaultTimeouts returns the knobs used when a provider doesn't override
// them: 5s to connect, 10s per unary call, 15s of stream silence before
// the idle watchdog fires.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:    5 * time.Second,
		Unary:      10 * time.Second,
		StreamIdle: 15 * time.Second,
	}
}

// WithConnectDeadline returns a context bounded by t.Connect.
func (t Timeouts) WithConnectDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.Connect)
}

// WithUnaryDeadline returns a context bounded by t.Unary.
func (t Timeouts) WithUnaryDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.Unary)
}

// IdleWatchdog observes a stream's read activity and reports a Timeout
// error once StreamIdle elapses since the last Touch. The caller is
// responsible for calling Touch on every frame/message received and for
// stopping the watchdog goroutine via Stop once the stream ends.
type IdleWatchdog struct {
	timeout time.Duration
	touch   chan struct{}
	fired   chan *Error
	done    chan struct{}
}

// NewIdleWatchdog starts a watchdog for provider that fires onto
// Fired() if no Touch call arrives within timeout.
func NewIdleWatchdog(provider string, timeout time.Duration) *IdleWatchdog {
	w := &IdleWatchdog{
		timeout: timeout,
		touch:   make(chan struct{}, 1),
		fired:   make(chan *Error, 1),
		done:    make(chan struct{}),
	}
	go w.run(provider)
	return w
}

func (w *IdleWatchdog) run(provider string) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.touch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.timeout)
		case <-timer.C:
			w.fired <- New(KindTimeout, provider, "stream idle-read watchdog exceeded")
			return
		}
	}
}

// Touch resets the idle clock. Non-blocking.
func (w *IdleWatchdog) Touch() {
	select {
	case w.touch <- struct{}{}:
	default:
	}
}

// Fired delivers exactly one Error if the watchdog ever times out.
func (w *IdleWatchdog) Fired() <-chan *Error { return w.fired }

// Stop halts the watchdog goroutine. Safe to call once the stream has
// ended normally, whether or not Fired has delivered.
func (w *IdleWatchdog) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
