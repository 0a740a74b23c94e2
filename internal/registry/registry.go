// Package registry is the plugin registry (C8): a process-wide,
// read-mostly provider inventory that maps a provider_id to the
// capability set it declares and the Constructor that builds a live
// provider instance given a Logger. Providers register at program start
// via Register — compile-time inventory — or, through
// PluginDialer.DialSTT/DialTTS, by attaching to an out-of-process provider
// module over a gRPC ABI. Lookup is lock-free after initialization: registrations are
// published by swapping an immutable map under an atomic.Pointer, the
// same discipline the session uses for its ConnectionState, so a lookup
// never contends with a concurrent Register.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/pkg/commons"
)

// Kind distinguishes which of the three provider contracts a
// Registration's constructor builds.
type Kind string

const (
	KindSTT      Kind = "stt"
	KindTTS      Kind = "tts"
	KindRealtime Kind = "realtime"
)

// Constructor builds a live provider instance. The returned value must be
// type-asserted by the caller to the interface matching Kind
// (provider.STTProvider, provider.TTSProvider, or provider.RealtimeProvider).
type Constructor func(logger commons.Logger) interface{}

// Registration is one provider's entry: its declared capabilities and
// the constructor that builds it. Capabilities are fixed at registration
// time — spec §4.8 — and never renegotiated per instance.
type Registration struct {
	ProviderID   string
	Kind         Kind
	Capabilities provider.CapabilitySet
	Construct    Constructor
}

// Registry is a process-wide, read-mostly provider inventory. The zero
// value is not usable; construct with New.
type Registry struct {
	// table holds *map[string]Registration, swapped wholesale on Register
	// so Lookup never takes a lock on the hot path.
	table atomic.Pointer[map[string]Registration]
	// writeMu serializes Register calls; Lookup never takes it.
	writeMu sync.Mutex
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	empty := make(map[string]Registration)
	r.table.Store(&empty)
	return r
}

// Register adds or replaces reg in the registry. Safe to call concurrently
// with other Register calls and with Lookup, but intended to run only
// during process start-up (spec §4.8 "compile-time inventory") or once
// per dynamically loaded plugin module.
func (r *Registry) Register(reg Registration) error {
	if reg.ProviderID == "" {
		return fmt.Errorf("registry: provider_id must not be empty")
	}
	if reg.Construct == nil {
		return fmt.Errorf("registry: %s: constructor must not be nil", reg.ProviderID)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.table.Load()
	next := make(map[string]Registration, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key(reg.ProviderID, reg.Kind)] = reg
	r.table.Store(&next)
	return nil
}

// Lookup returns the Registration for (providerID, kind). Lock-free: it
// only ever dereferences the currently published map pointer.
func (r *Registry) Lookup(providerID string, kind Kind) (Registration, bool) {
	table := *r.table.Load()
	reg, ok := table[key(providerID, kind)]
	return reg, ok
}

// Build looks up (providerID, kind) and invokes its constructor, or
// returns an error if no such provider is registered.
func (r *Registry) Build(providerID string, kind Kind, logger commons.Logger) (interface{}, error) {
	reg, ok := r.Lookup(providerID, kind)
	if !ok {
		return nil, fmt.Errorf("registry: no %s provider registered for %q", kind, providerID)
	}
	return reg.Construct(logger), nil
}

// Capabilities returns the declared CapabilitySet for (providerID, kind),
// or false if nothing is registered under that key — used by the session
// to capability-gate an operation before it has built (or while it is
// reconnecting) the concrete provider instance.
func (r *Registry) Capabilities(providerID string, kind Kind) (provider.CapabilitySet, bool) {
	reg, ok := r.Lookup(providerID, kind)
	if !ok {
		return nil, false
	}
	return reg.Capabilities, true
}

// List returns every registration currently published, for diagnostics
// and for the plugin loader's own bookkeeping. The returned slice is a
// snapshot; it does not reflect subsequent Register calls.
func (r *Registry) List() []Registration {
	table := *r.table.Load()
	out := make([]Registration, 0, len(table))
	for _, reg := range table {
		out = append(out, reg)
	}
	return out
}

func key(providerID string, kind Kind) string {
	return string(kind) + ":" + providerID
}
