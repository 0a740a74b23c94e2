// Package openai implements provider.RealtimeProvider against OpenAI's
// Realtime API over a github.com/gorilla/websocket connection; it carries
// no separate STT or TTS provider. Realtime is the only backend in this
// module that unifies STT+LLM+TTS behind one bidirectional channel
// (spec §4.7); this is the provider the C7 realtime duplex session is
// built against.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

// ProviderID names this provider in reliability.Error/breaker keys.
const ProviderID = "openai"

const realtimeURL = "wss://api.openai.com/v1/realtime"

// Size limits spec §4.7 places on realtime session payloads.
const (
	MaxInstructionsBytes   = 100 * 1024
	MaxTextBytes           = 50 * 1024
	MaxFunctionResultBytes = 100 * 1024
)

var realtimeCapabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioIn,
	provider.CapStreamingAudioOut,
	provider.CapPartialTranscripts,
	provider.CapServerVAD,
	provider.CapFunctionCalling,
	provider.CapEmotion,
)

// clientEvent is the envelope every outbound realtime control message
// shares; Type selects which optional field is populated.
type clientEvent struct {
	Type string `json:"type"`

	Audio string `json:"audio,omitempty"` // input_audio_buffer.append

	Item *realtimeItem `json:"item,omitempty"` // conversation.item.create

	Session *sessionUpdate `json:"session,omitempty"` // session.update
}

type realtimeItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
}

type sessionUpdate struct {
	Instructions string   `json:"instructions,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
}

// serverEvent covers every inbound realtime event type this provider
// interprets; fields unused by a given Type are left zero.
type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`

	Transcript string `json:"transcript"`

	Item struct {
		ID        string `json:"id"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`

	Response struct {
		ID string `json:"id"`
	} `json:"response"`

	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Realtime implements provider.RealtimeProvider over OpenAI's Realtime
// API WebSocket.
type Realtime struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	onTranscript   provider.TranscriptCallback
	onAudio        provider.AudioCallback
	onSpeechEvent  provider.SpeechEventCallback
	onFunctionCall provider.FunctionCallCallback
	onResponseEvt  provider.ResponseEventCallback
	onError        provider.ErrorCallback
}

// New returns an unconnected OpenAI Realtime provider.
func New(logger commons.Logger) *Realtime {
	return &Realtime{logger: logger, state: provider.NewStateHolder()}
}

func (r *Realtime) Capabilities() provider.CapabilitySet { return realtimeCapabilities }
func (r *Realtime) State() provider.ConnectionState       { return r.state.Load() }

func (r *Realtime) OnTranscript(fn provider.TranscriptCallback)     { r.onTranscript = fn }
func (r *Realtime) OnAudio(fn provider.AudioCallback)               { r.onAudio = fn }
func (r *Realtime) OnSpeechEvent(fn provider.SpeechEventCallback)   { r.onSpeechEvent = fn }
func (r *Realtime) OnFunctionCall(fn provider.FunctionCallCallback) { r.onFunctionCall = fn }
func (r *Realtime) OnResponseEvent(fn provider.ResponseEventCallback) { r.onResponseEvt = fn }
func (r *Realtime) OnError(fn provider.ErrorCallback)               { r.onError = fn }

// Connect dials the Realtime WebSocket and sends an initial
// session.update carrying instructions/voice/modalities, truncating
// instructions to MaxInstructionsBytes per spec §4.7.
func (r *Realtime) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	key, _ := cfg["key"].(string)
	if key == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing api key in provider config")
	}
	model, _ := cfg["model"].(string)
	if model == "" {
		model = "gpt-4o-realtime-preview"
	}
	opts, _ := cfg["options"].(utils.Option)
	instructions := truncateBytes(opts.GetStringOr("instructions", ""), MaxInstructionsBytes)
	voice := opts.GetStringOr("speak.voice.name", "alloy")

	r.state.Store(provider.StateConnecting)

	header := map[string][]string{
		"Authorization": {"Bearer " + key},
		"OpenAI-Beta":   {"realtime=v1"},
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 5*time.Second)
	defer cancelDial()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, realtimeURL+"?model="+model, header)
	if err != nil {
		r.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "websocket dial failed", err)
	}

	update := clientEvent{
		Type: "session.update",
		Session: &sessionUpdate{
			Instructions: instructions,
			Voice:        voice,
			Modalities:   []string{"audio", "text"},
		},
	}
	if err := conn.WriteJSON(update); err != nil {
		conn.Close()
		r.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "session.update failed", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.conn = conn
	r.cancel = runCancel
	r.mu.Unlock()
	r.state.Store(provider.StateConnected)

	utils.Go(runCtx, func() { r.readLoop(runCtx) })
	return nil
}

func (r *Realtime) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.state.Store(provider.StateReconnecting)
			if r.onError != nil {
				r.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "websocket read failed", err))
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		r.dispatch(ev)
	}
}

func (r *Realtime) dispatch(ev serverEvent) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		if r.onSpeechEvent != nil {
			r.onSpeechEvent(true)
		}
	case "input_audio_buffer.speech_stopped":
		if r.onSpeechEvent != nil {
			r.onSpeechEvent(false)
		}
	case "conversation.item.input_audio_transcription.completed":
		if r.onTranscript != nil {
			r.onTranscript(turn.Transcript{Text: ev.Transcript, IsFinal: true, Confidence: 1.0, ProviderID: ProviderID})
		}
	case "response.audio_transcript.delta":
		if r.onTranscript != nil {
			r.onTranscript(turn.Transcript{Text: ev.Delta, IsFinal: false, ProviderID: ProviderID})
		}
	case "response.audio.delta":
		decoded, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err == nil && r.onAudio != nil {
			r.onAudio(audio.Frame{Data: decoded, Config: audio.NewLinear24kHzMonoConfig()})
		}
	case "response.function_call_arguments.done":
		if r.onFunctionCall != nil {
			r.onFunctionCall(ev.Item.CallID, ev.Item.Name, ev.Item.Arguments)
		}
	case "response.created":
		if r.onResponseEvt != nil {
			r.onResponseEvt(false)
		}
	case "response.done":
		if r.onResponseEvt != nil {
			r.onResponseEvt(true)
		}
	case "error":
		if r.onError != nil {
			r.onError(reliability.New(reliability.KindProviderError, ProviderID, ev.Error.Message))
		}
	}
}

func (r *Realtime) send(event clientEvent) *provider.ProviderError {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	if err := conn.WriteJSON(event); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "event send failed", err)
	}
	return nil
}

// SendAudio appends a base64-encoded PCM16LE frame to the input audio
// buffer.
func (r *Realtime) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	return r.send(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

// SendText appends a user text item to the conversation, truncated to
// MaxTextBytes per spec §4.7.
func (r *Realtime) SendText(ctx context.Context, s string) *provider.ProviderError {
	text := truncateBytes(s, MaxTextBytes)
	return r.send(clientEvent{
		Type: "conversation.item.create",
		Item: &realtimeItem{
			Type: "message",
			Role: "user",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "input_text", Text: text}},
		},
	})
}

// CreateResponse requests the model generate its next response.
func (r *Realtime) CreateResponse(ctx context.Context) *provider.ProviderError {
	return r.send(clientEvent{Type: "response.create"})
}

// CancelResponse cancels any in-flight response generation, used on
// barge-in alongside ClearAudio.
func (r *Realtime) CancelResponse(ctx context.Context) *provider.ProviderError {
	return r.send(clientEvent{Type: "response.cancel"})
}

// CommitAudio commits the buffered input audio as the end of the user's
// turn, equivalent to an explicit client commit.
func (r *Realtime) CommitAudio(ctx context.Context) *provider.ProviderError {
	return r.send(clientEvent{Type: "input_audio_buffer.commit"})
}

// ClearAudio discards the buffered input audio, used on barge-in.
func (r *Realtime) ClearAudio(ctx context.Context) *provider.ProviderError {
	return r.send(clientEvent{Type: "input_audio_buffer.clear"})
}

// FunctionResult returns a tool call's result to the model, truncated to
// MaxFunctionResultBytes per spec §4.7.
func (r *Realtime) FunctionResult(ctx context.Context, id string, resultJSON string) *provider.ProviderError {
	result := truncateBytes(resultJSON, MaxFunctionResultBytes)
	if err := r.send(clientEvent{
		Type: "conversation.item.create",
		Item: &realtimeItem{Type: "function_call_output", CallID: id, Output: result},
	}); err != nil {
		return err
	}
	return r.CreateResponse(ctx)
}

// UpdateSession applies a session.update delta (instructions/voice
// changes mid-session).
func (r *Realtime) UpdateSession(ctx context.Context, delta provider.Config) *provider.ProviderError {
	instructions, _ := delta["instructions"].(string)
	voice, _ := delta["voice"].(string)
	return r.send(clientEvent{
		Type: "session.update",
		Session: &sessionUpdate{
			Instructions: truncateBytes(instructions, MaxInstructionsBytes),
			Voice:        voice,
		},
	})
}

// Disconnect closes the realtime WebSocket.
func (r *Realtime) Disconnect(ctx context.Context) *provider.ProviderError {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancel
	r.conn = nil
	r.cancel = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if cancel != nil {
		cancel()
	}
	r.state.Store(provider.StateDisconnected)
	if err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "close failed", err)
	}
	return nil
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
