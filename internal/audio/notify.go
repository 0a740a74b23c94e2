package audio

// Notify is a coalescing wake signal: any number of Signal calls before a
// consumer observes Chan() collapse into a single wakeup, the way the
// teacher's streamer pumps wake a single consumer goroutine off a
// buffered-size-1 channel rather than signalling once per enqueued item.
type Notify struct {
	ch chan struct{}
}

// NewNotify returns a ready-to-use Notify.
func NewNotify() *Notify {
	return &Notify{ch: make(chan struct{}, 1)}
}

// Signal wakes a waiter. Non-blocking; redundant signals before the
// waiter drains are dropped.
func (n *Notify) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Chan returns the channel a consumer selects on to be woken.
func (n *Notify) Chan() <-chan struct{} { return n.ch }
