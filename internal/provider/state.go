package provider

import "sync/atomic"

// StateHolder is an atomically readable/writable ConnectionState, shared
// by every concrete provider implementation so State() never takes a
// lock on the hot path (spec §5 "no lock is ever held across a
// suspension point").
type StateHolder struct {
	v atomic.Value
}

// NewStateHolder returns a StateHolder initialized to StateDisconnected.
func NewStateHolder() *StateHolder {
	h := &StateHolder{}
	h.Store(StateDisconnected)
	return h
}

// Store sets the current state.
func (h *StateHolder) Store(s ConnectionState) { h.v.Store(s) }

// Load returns the current state.
func (h *StateHolder) Load() ConnectionState {
	v, _ := h.v.Load().(ConnectionState)
	if v == "" {
		return StateDisconnected
	}
	return v
}

// CallbackSlots holds the common on_error slot every provider variant
// exposes, as an atomically swappable handle rather than a
// mutex-protected field — callbacks are registered once at setup and
// read often from I/O goroutines.
type CallbackSlots struct {
	onError atomic.Value // ErrorCallback
}

// SetOnError registers fn, replacing any prior registration.
func (c *CallbackSlots) SetOnError(fn ErrorCallback) { c.onError.Store(fn) }

// Error invokes the registered on_error callback, if any.
func (c *CallbackSlots) Error(err *ProviderError) {
	if fn, ok := c.onError.Load().(ErrorCallback); ok && fn != nil {
		fn(err)
	}
}
