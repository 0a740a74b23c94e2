package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/pkg/commons"
)

// silentLogger discards everything; RealtimeSession only ever calls Warnw,
// Infow, and With off the driver goroutine.
type silentLogger struct{ commons.Logger }

func (silentLogger) Warnw(string, ...interface{}) {}
func (silentLogger) Infow(string, ...interface{}) {}
func (l silentLogger) With(...interface{}) commons.Logger { return l }

// fakeRealtimeProvider is a minimal in-memory provider.RealtimeProvider
// double driven entirely by test code — it never spawns its own
// goroutines, so callbacks fire synchronously from whatever goroutine
// calls the trigger* helpers below.
type fakeRealtimeProvider struct {
	mu    sync.Mutex
	state provider.ConnectionState
	caps  provider.CapabilitySet

	connectErr *provider.ProviderError

	onTranscript provider.TranscriptCallback
	onAudio      provider.AudioCallback
	onSpeech     provider.SpeechEventCallback
	onFunc       provider.FunctionCallCallback
	onResponse   provider.ResponseEventCallback
	onError      provider.ErrorCallback

	cancelResponseCalls int
	clearAudioCalls     int
	createResponseCalls int
	functionResults     []string
}

func newFakeRealtimeProvider(caps provider.CapabilitySet) *fakeRealtimeProvider {
	return &fakeRealtimeProvider{state: provider.StateDisconnected, caps: caps}
}

func (p *fakeRealtimeProvider) Connect(context.Context, provider.Config) *provider.ProviderError {
	if p.connectErr != nil {
		return p.connectErr
	}
	p.mu.Lock()
	p.state = provider.StateConnected
	p.mu.Unlock()
	return nil
}
func (p *fakeRealtimeProvider) SendAudio(context.Context, audio.Frame) *provider.ProviderError { return nil }
func (p *fakeRealtimeProvider) SendText(context.Context, string) *provider.ProviderError        { return nil }
func (p *fakeRealtimeProvider) CreateResponse(context.Context) *provider.ProviderError {
	p.mu.Lock()
	p.createResponseCalls++
	p.mu.Unlock()
	return nil
}
func (p *fakeRealtimeProvider) CancelResponse(context.Context) *provider.ProviderError {
	p.mu.Lock()
	p.cancelResponseCalls++
	p.mu.Unlock()
	return nil
}
func (p *fakeRealtimeProvider) CommitAudio(context.Context) *provider.ProviderError { return nil }
func (p *fakeRealtimeProvider) ClearAudio(context.Context) *provider.ProviderError {
	p.mu.Lock()
	p.clearAudioCalls++
	p.mu.Unlock()
	return nil
}
func (p *fakeRealtimeProvider) FunctionResult(_ context.Context, _ string, resultJSON string) *provider.ProviderError {
	p.mu.Lock()
	p.functionResults = append(p.functionResults, resultJSON)
	p.mu.Unlock()
	return nil
}
func (p *fakeRealtimeProvider) UpdateSession(context.Context, provider.Config) *provider.ProviderError {
	return nil
}
func (p *fakeRealtimeProvider) Disconnect(context.Context) *provider.ProviderError {
	p.mu.Lock()
	p.state = provider.StateDisconnected
	p.mu.Unlock()
	return nil
}
func (p *fakeRealtimeProvider) State() provider.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
func (p *fakeRealtimeProvider) Capabilities() provider.CapabilitySet { return p.caps }

func (p *fakeRealtimeProvider) OnTranscript(fn provider.TranscriptCallback)     { p.onTranscript = fn }
func (p *fakeRealtimeProvider) OnAudio(fn provider.AudioCallback)               { p.onAudio = fn }
func (p *fakeRealtimeProvider) OnSpeechEvent(fn provider.SpeechEventCallback)   { p.onSpeech = fn }
func (p *fakeRealtimeProvider) OnFunctionCall(fn provider.FunctionCallCallback) { p.onFunc = fn }
func (p *fakeRealtimeProvider) OnResponseEvent(fn provider.ResponseEventCallback) { p.onResponse = fn }
func (p *fakeRealtimeProvider) OnError(fn provider.ErrorCallback)               { p.onError = fn }

func newTestRealtimeSession(t *testing.T, p *fakeRealtimeProvider) *RealtimeSession {
	t.Helper()
	s := NewRealtimeSession(context.Background(), RealtimeSessionConfig{
		SessionID: "sess-1",
		Logger:    silentLogger{},
		Provider:  p,
		ProviderID: "fake-realtime",
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForState(t *testing.T, s *RealtimeSession, want RealtimeState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached state %q, stuck at %q", want, s.State())
}

func drainEvent(t *testing.T, s *RealtimeSession, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("never observed event kind %q", kind)
		}
	}
}

func TestRealtimeSession_ConnectsAndBecomesActive(t *testing.T) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD))
	s := newTestRealtimeSession(t, p)
	waitForState(t, s, RealtimeActive)
	drainEvent(t, s, EventSessionCreated)
}

func TestRealtimeSession_FinalTranscriptClosesTurnAndReopens(t *testing.T) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD))
	s := newTestRealtimeSession(t, p)
	waitForState(t, s, RealtimeActive)

	p.onTranscript(turn.Transcript{Text: "hello there", IsFinal: true, ProviderID: "fake-realtime"})

	ev := drainEvent(t, s, EventTranscript)
	assert.True(t, ev.IsFinal)
	assert.Equal(t, "hello there", ev.Text)
	assert.NotZero(t, ev.TurnID)

	firstTurn := ev.TurnID
	p.onTranscript(turn.Transcript{Text: "second turn", IsFinal: true, ProviderID: "fake-realtime"})
	ev2 := drainEvent(t, s, EventTranscript)
	assert.NotEqual(t, firstTurn, ev2.TurnID, "turn IDs must never be reused across turns")
}

func TestRealtimeSession_BargeInCancelsAndClears(t *testing.T) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD, provider.CapBargeIn))
	s := newTestRealtimeSession(t, p)
	waitForState(t, s, RealtimeActive)

	// A response must be active before cancel_response is meaningful.
	p.onResponse(false)
	drainEvent(t, s, EventResponseStarted)

	require.NoError(t, s.CancelResponse())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		calls := p.cancelResponseCalls
		clears := p.clearAudioCalls
		p.mu.Unlock()
		if calls > 0 && clears > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("barge-in never issued cancel_response/clear_audio to the provider")
}

func TestRealtimeSession_FunctionCallSurfacedWithoutDispatcher(t *testing.T) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD, provider.CapFunctionCalling))
	s := newTestRealtimeSession(t, p)
	waitForState(t, s, RealtimeActive)

	p.onFunc("call-1", "get_weather", `{"city":"nyc"}`)
	ev := drainEvent(t, s, EventFunctionCall)
	assert.Equal(t, "call-1", ev.FunctionCallID)
	assert.Equal(t, "get_weather", ev.FunctionName)
	assert.Equal(t, `{"city":"nyc"}`, ev.FunctionArgsJSON)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.functionResults, "no dispatcher configured, FunctionResult must not be called automatically")
}

func TestRealtimeSession_PushClientTextRejectsOversized(t *testing.T) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD))
	s := newTestRealtimeSession(t, p)
	waitForState(t, s, RealtimeActive)

	huge := make([]byte, reliability.MaxRealtimeTextBytes+1)
	err := s.PushClientText(string(huge))
	require.Error(t, err)
}

func TestRealtimeSession_CloseIsIdempotentAndQuiescent(t *testing.T) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD))
	s := newTestRealtimeSession(t, p)
	waitForState(t, s, RealtimeActive)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, RealtimeTerminated, s.State())

	// No further events are delivered post-Close.
	p.onTranscript(turn.Transcript{Text: "late", IsFinal: true})
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("unexpected event after Close: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// BenchmarkSessionThroughput drives client audio frames through a
// RealtimeSession backed by a fake provider with no network latency,
// measuring how many frames per second the single driver goroutine can
// absorb before its ingress ring starts dropping.
func BenchmarkSessionThroughput(b *testing.B) {
	p := newFakeRealtimeProvider(provider.NewCapabilitySet(provider.CapServerVAD))
	s := NewRealtimeSession(context.Background(), RealtimeSessionConfig{
		SessionID:  "bench",
		Logger:     silentLogger{},
		Provider:   p,
		ProviderID: "fake-realtime",
	})
	defer s.Close()

	for s.State() != RealtimeActive {
		time.Sleep(time.Millisecond)
	}

	frame := audio.Frame{Data: make([]byte, 320), Config: audio.NewLinear16kHzMonoConfig()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.PushClientAudio(frame)
	}
}
