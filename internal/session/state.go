// Package session implements the two session-runtime state machines spec
// §4.6/§4.7 describe: VoiceSession drives an STT+TTS pipeline with VAD,
// turn detection, and barge-in (C6, "the centerpiece"); RealtimeSession
// drives the collapsed state machine for providers that unify STT+LLM+TTS
// behind one bidirectional channel (C7). Both own exactly one
// provider.STTProvider/TTSProvider pairing or one provider.RealtimeProvider,
// obtained from internal/registry, and both follow the teacher's
// single-state-machine-driver-goroutine discipline: every other goroutine
// in a session (provider callback pumps, the client audio ingress pump,
// the VAD worker) only ever writes to a bounded channel the driver reads —
// no session-local field is ever touched from more than one goroutine.
package session

import "sync/atomic"

// State is a Voice Session's position in the C6 state machine (spec §4.6).
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
)

// RealtimeState is a Realtime Duplex Session's position in the collapsed
// C7 state machine (spec §4.7).
type RealtimeState string

const (
	RealtimeIdle       RealtimeState = "idle"
	RealtimeStarting   RealtimeState = "starting"
	RealtimeActive     RealtimeState = "active"
	RealtimeDraining   RealtimeState = "draining"
	RealtimeTerminated RealtimeState = "terminated"
)

// stateHolder is an atomically readable/writable State, mirroring
// provider.StateHolder's discipline so State() never takes a lock.
type stateHolder struct {
	v atomic.Value
}

func (h *stateHolder) store(s State) { h.v.Store(s) }
func (h *stateHolder) load() State {
	v, _ := h.v.Load().(State)
	if v == "" {
		return StateIdle
	}
	return v
}

type realtimeStateHolder struct {
	v atomic.Value
}

func (h *realtimeStateHolder) store(s RealtimeState) { h.v.Store(s) }
func (h *realtimeStateHolder) load() RealtimeState {
	v, _ := h.v.Load().(RealtimeState)
	if v == "" {
		return RealtimeIdle
	}
	return v
}
