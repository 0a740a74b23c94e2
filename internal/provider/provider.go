// Package provider defines the three polymorphic capability contracts
// (STTProvider, TTSProvider, RealtimeProvider) every wire-protocol-specific
// backend in this module's provider subpackages implements, plus the
// shared ConnectionState, CapabilitySet, and FlushStrategy types the
// session runtime (internal/session) inspects before invoking an
// optional operation. Concrete providers live in their own subpackage
// (deepgram, elevenlabs, azure, google, ...) and are never imported
// directly by the session; the session only ever holds one of these three
// interfaces, obtained through internal/registry.
package provider

import (
	"context"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
)

// ConnectionState is a provider client's lifecycle state (spec §3).
// Ownership of the transition from Connected/Reconnecting onward is
// exclusive to the session that opened the client.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDraining     ConnectionState = "draining"
	StateFailed       ConnectionState = "failed"
)

// Capability is one optional behavior a provider may or may not support.
// The session checks CapabilitySet before invoking the corresponding
// operation and must receive a Capability-kind error, never a silent
// no-op, if it guesses wrong.
type Capability string

const (
	CapStreamingAudioIn    Capability = "streaming_audio_in"
	CapStreamingAudioOut   Capability = "streaming_audio_out"
	CapPartialTranscripts  Capability = "partial_transcripts"
	CapImmutableTranscript Capability = "immutable_transcripts"
	CapWordTimestamps      Capability = "word_timestamps"
	CapServerVAD           Capability = "server_vad"
	CapSSML                Capability = "ssml"
	CapEmotion             Capability = "emotion"
	CapBargeIn             Capability = "barge_in"
	CapFunctionCalling     Capability = "function_calling"
)

// CapabilitySet is the fixed set of capabilities a provider declares at
// registration time. It never changes for the lifetime of a provider
// instance.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a CapabilitySet from the given capabilities,
// all present and true.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether cap is declared.
func (s CapabilitySet) Has(cap Capability) bool { return s[cap] }

// ErrCapability returns the standard error an operation unsupported by a
// provider's CapabilitySet must return, rather than silently no-opping
// (design note §9 "Dynamic dispatch over providers").
func ErrCapability(providerID string, cap Capability) *reliability.Error {
	return reliability.New(reliability.KindConfig, providerID, "provider does not support capability: "+string(cap))
}

// FlushStrategy controls when a REST-buffered STT provider (OpenAI
// Whisper-class, Groq Whisper-class) accumulates enough audio to issue a
// single multipart request. OnDisconnect is the default; whichever
// strategy is active, ForceEndpoint always empties the buffer and yields
// a final transcript covering everything received so far.
type FlushStrategy struct {
	Kind     FlushKind
	Bytes    int
	Duration int // milliseconds, for OnDuration
	Silence  int // milliseconds, for OnSilence
}

type FlushKind string

const (
	FlushOnDisconnect FlushKind = "on_disconnect"
	FlushOnSize       FlushKind = "on_size"
	FlushOnDuration   FlushKind = "on_duration"
	FlushOnSilence    FlushKind = "on_silence"
)

// DefaultFlushStrategy is OnDisconnect, per spec §4.1.
func DefaultFlushStrategy() FlushStrategy {
	return FlushStrategy{Kind: FlushOnDisconnect}
}

// ProviderError is the callback payload delivered to on_error sinks; it
// wraps the taxonomy in internal/reliability so callers branch on Kind
// the same way whether the error came from a direct call's return value
// or an async callback.
type ProviderError = reliability.Error

// Config is the opaque, capability-gated provider configuration carried
// by ProviderConfig in spec §3. Concrete providers decode it with
// pkg/utils.Option accessors or, for richer shapes, mapstructure into a
// typed struct validated by validator.
type Config map[string]interface{}

// TranscriptCallback receives one Transcript per provider recognition
// event. Must be lock-free and non-reentrant into the provider, per
// spec §4.1.
type TranscriptCallback func(turn.Transcript)

// ErrorCallback receives one ProviderError per provider-reported failure
// that the provider itself did not already return synchronously.
type ErrorCallback func(*ProviderError)

// AudioCallback receives one audio.Frame per chunk of synthesized or
// forwarded audio a provider produces.
type AudioCallback func(audio.Frame)

// STTProvider is the uniform contract every speech-to-text backend
// implements, independent of whether its wire protocol is a full-duplex
// WebSocket, gRPC stream, or REST-buffered multipart upload.
type STTProvider interface {
	Connect(ctx context.Context, cfg Config) *ProviderError
	SendAudio(ctx context.Context, frame audio.Frame) *ProviderError
	// SendText forwards a literal text endpoint hint for providers that
	// accept one (e.g. a client-typed utterance standing in for audio).
	SendText(ctx context.Context, s string) *ProviderError
	// ForceEndpoint flushes any buffered audio and yields a final
	// transcript covering everything received to that point.
	ForceEndpoint(ctx context.Context) *ProviderError
	UpdateConfig(ctx context.Context, delta Config) *ProviderError
	Disconnect(ctx context.Context) *ProviderError

	State() ConnectionState
	Capabilities() CapabilitySet

	// OnResult and OnError register the provider's single callback slot
	// each; calling twice replaces the prior registration. Implementations
	// must invoke these from their own I/O goroutine, never reentering
	// the provider.
	OnResult(fn TranscriptCallback)
	OnError(fn ErrorCallback)
}

// TTSProvider is the uniform contract every text-to-speech backend
// implements.
type TTSProvider interface {
	Connect(ctx context.Context, cfg Config) *ProviderError
	// Speak requests synthesis of text. flush=true commits to playing
	// the emitted audio; flush=false allows the provider to coalesce
	// this call with a subsequent one before synthesis begins.
	Speak(ctx context.Context, text string, flush bool) *ProviderError
	Cancel(ctx context.Context) *ProviderError
	Disconnect(ctx context.Context) *ProviderError

	State() ConnectionState
	Capabilities() CapabilitySet

	OnAudio(fn AudioCallback)
	OnComplete(fn func())
	OnError(fn ErrorCallback)
}

// FunctionCallCallback delivers a provider-surfaced function/tool call
// verbatim to the external orchestrator (spec §4.7); id correlates the
// eventual FunctionResult call.
type FunctionCallCallback func(id, name string, argsJSON string)

// SpeechEventCallback reports a realtime provider's own server-side VAD
// edges, trusted in place of C4 when CapServerVAD is declared.
type SpeechEventCallback func(started bool)

// ResponseEventCallback reports a realtime provider's response lifecycle
// (its own analogue of the TTS on_complete callback, scoped to one
// create_response invocation).
type ResponseEventCallback func(done bool)

// RealtimeProvider subsumes STTProvider and TTSProvider for backends that
// unify STT, an LLM turn, and TTS behind a single bidirectional channel
// (spec §4.7).
type RealtimeProvider interface {
	Connect(ctx context.Context, cfg Config) *ProviderError
	SendAudio(ctx context.Context, frame audio.Frame) *ProviderError
	SendText(ctx context.Context, s string) *ProviderError
	CreateResponse(ctx context.Context) *ProviderError
	CancelResponse(ctx context.Context) *ProviderError
	CommitAudio(ctx context.Context) *ProviderError
	ClearAudio(ctx context.Context) *ProviderError
	FunctionResult(ctx context.Context, id string, resultJSON string) *ProviderError
	UpdateSession(ctx context.Context, delta Config) *ProviderError
	Disconnect(ctx context.Context) *ProviderError

	State() ConnectionState
	Capabilities() CapabilitySet

	OnTranscript(fn TranscriptCallback)
	OnAudio(fn AudioCallback)
	OnSpeechEvent(fn SpeechEventCallback)
	OnFunctionCall(fn FunctionCallCallback)
	OnResponseEvent(fn ResponseEventCallback)
	OnError(fn ErrorCallback)
}
