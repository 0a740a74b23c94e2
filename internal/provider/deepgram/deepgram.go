// Package deepgram implements provider.STTProvider against Deepgram's
// full-duplex streaming WebSocket API, the WebSocket-transport variant
// described in spec §4.1. AssemblyAI-class backends, which share the
// same wire shape, are not separately implemented in this module.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
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

const wsURL = "wss://api.deepgram.com/v1/listen"

// ProviderID names this provider in reliability.Error/breaker keys.
const ProviderID = "deepgram"

// capabilities declares what this backend supports; the session checks
// this before calling an optional operation.
var capabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioIn,
	provider.CapPartialTranscripts,
	provider.CapWordTimestamps,
)

type sttResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// STT implements provider.STTProvider over Deepgram's streaming endpoint.
type STT struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	apiKey string
	opts   utils.Option

	onResult provider.TranscriptCallback
	onError  provider.ErrorCallback
}

// New returns an unconnected Deepgram STT provider; logger is threaded
// through exactly like the teacher's provider option constructors.
func New(logger commons.Logger) *STT {
	return &STT{logger: logger, state: provider.NewStateHolder()}
}

func (s *STT) Capabilities() provider.CapabilitySet { return capabilities }
func (s *STT) State() provider.ConnectionState       { return s.state.Load() }

func (s *STT) OnResult(fn provider.TranscriptCallback) { s.onResult = fn }
func (s *STT) OnError(fn provider.ErrorCallback)       { s.onError = fn }

func (s *STT) connectionURL() string {
	params := url.Values{}
	params.Add("encoding", "linear16")
	params.Add("sample_rate", "16000")
	params.Add("channels", "1")
	params.Add("interim_results", "true")
	params.Add("punctuate", "true")
	if model, err := s.opts.GetString("listen.model"); err == nil {
		params.Add("model", model)
	} else {
		params.Add("model", "nova-2")
	}
	if language, err := s.opts.GetString("listen.language"); err == nil {
		params.Add("language", language)
	} else {
		params.Add("language", "en-US")
	}
	return fmt.Sprintf("%s?%s", wsURL, params.Encode())
}

// Connect dials the Deepgram WebSocket with the Authorization header
// carrying the vault-provided API key.
func (s *STT) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	key, _ := cfg["key"].(string)
	if key == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing api key in provider config")
	}
	opts, _ := cfg["options"].(utils.Option)

	s.mu.Lock()
	s.apiKey = key
	s.opts = opts
	s.state.Store(provider.StateConnecting)
	s.mu.Unlock()

	header := map[string][]string{"Authorization": {"Token " + key}}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.connectionURL(), header)
	if err != nil {
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "websocket dial failed", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = runCancel
	s.state.Store(provider.StateConnected)
	s.mu.Unlock()

	utils.Go(runCtx, func() { s.readLoop(runCtx) })
	return nil
}

func (s *STT) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.state.Store(provider.StateReconnecting)
			if s.onError != nil {
				s.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "websocket read failed", err))
			}
			return
		}
		var res sttResult
		if err := json.Unmarshal(msg, &res); err != nil {
			continue
		}
		if len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		words := make([]turn.Word, 0, len(alt.Words))
		for _, w := range alt.Words {
			words = append(words, turn.Word{Text: w.Word, StartMs: w.Start * 1000, EndMs: w.End * 1000, Confidence: w.Confidence})
		}
		if s.onResult != nil {
			s.onResult(turn.Transcript{
				Text:       alt.Transcript,
				IsFinal:    res.IsFinal,
				Confidence: alt.Confidence,
				StartMs:    res.Start * 1000,
				EndMs:      (res.Start + res.Duration) * 1000,
				Words:      words,
				ProviderID: ProviderID,
			})
		}
	}
}

// SendAudio writes a binary PCM16LE frame over the socket. Never
// retried at this layer (spec §4.2): a send failure triggers a
// reconnect at the session level.
func (s *STT) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "audio write failed", err)
	}
	return nil
}

// SendText is unsupported by Deepgram's streaming STT endpoint; this
// backend takes raw audio only.
func (s *STT) SendText(ctx context.Context, text string) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "send_text")
}

// ForceEndpoint sends Deepgram's Finalize control frame, which flushes
// the decoder's in-flight buffer and yields a final transcript.
func (s *STT) ForceEndpoint(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	if err := conn.WriteJSON(map[string]string{"type": "Finalize"}); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "finalize send failed", err)
	}
	return nil
}

// UpdateConfig is unsupported mid-stream; Deepgram's streaming config is
// fixed by the connection query string.
func (s *STT) UpdateConfig(ctx context.Context, delta provider.Config) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "update_config")
}

// Disconnect sends Deepgram's CloseStream frame then closes the socket.
func (s *STT) Disconnect(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteJSON(map[string]string{"type": "CloseStream"})
	err := conn.Close()
	if cancel != nil {
		cancel()
	}
	s.state.Store(provider.StateDisconnected)
	if err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "close failed", err)
	}
	return nil
}
