// Package controlqueue implements the bounded multi-producer/single-consumer
// queue used for out-of-band session control signals — barge-in, flush,
// flow-control acks — that must never be reordered behind buffered audio
// but also must never block a caller indefinitely. It is the control
// counterpart to the audio ring buffer: TrySend fails fast with
// ErrBackpressure instead of silently dropping, since control messages are
// not safe to drop the way stale audio is.
package controlqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrBackpressure is returned by TrySend when the queue is at capacity.
var ErrBackpressure = errors.New("controlqueue: backpressure, queue full")

// ErrClosed is returned by TrySend once the queue has been closed.
var ErrClosed = errors.New("controlqueue: closed")

// Queue is a bounded MPSC queue of arbitrary control values.
type Queue struct {
	ch     chan interface{}
	mu     sync.Mutex
	closed bool
}

// New returns a Queue with room for capacity pending messages.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan interface{}, capacity)}
}

// TrySend enqueues msg without blocking. It returns ErrBackpressure if the
// queue is full and ErrClosed if the queue has been closed — callers
// typically treat either as a terminal ResourceLimit/CircuitOpen-adjacent
// condition for that control message, not a reason to retry inline.
func (q *Queue) TrySend(msg interface{}) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Recv blocks until a message is available, the queue is closed (ok=false),
// or ctx is done.
func (q *Queue) Recv(ctx context.Context) (msg interface{}, ok bool) {
	select {
	case m, open := <-q.ch:
		return m, open
	case <-ctx.Done():
		return nil, false
	}
}

// Close closes the queue. Safe to call more than once; only the first call
// has effect. Buffered messages remain readable via Recv until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
