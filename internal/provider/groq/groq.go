// Package groq implements provider.STTProvider against Groq's
// Whisper-compatible REST transcription endpoint: the REST-buffered
// transport variant of spec §4.1 (shared by OpenAI-Whisper-class
// backends). Audio accumulates in memory until a provider.FlushStrategy
// threshold fires, at which point one multipart-form request is issued;
// ForceEndpoint (and Disconnect, for the default strategy) always
// flushes the tail.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

const ProviderID = "groq"
const transcriptionURL = "https://api.groq.com/openai/v1/audio/transcriptions"

var capabilities = provider.NewCapabilitySet(
	provider.CapWordTimestamps,
	provider.CapImmutableTranscript,
)

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// STT implements provider.STTProvider against Groq's buffered
// transcription endpoint. Each flush takes the whole buffer under s.mu;
// audio received while a request is in flight accumulates for the next
// flush. Flushes are not serialized against one another, so two requests
// can be in flight at once.
type STT struct {
	logger commons.Logger
	state  *provider.StateHolder
	client *resty.Client

	mu           sync.Mutex
	apiKey       string
	model        string
	strategy     provider.FlushStrategy
	buf          bytes.Buffer
	bufStartedAt time.Time
	lastAudioAt  time.Time

	onResult provider.TranscriptCallback
	onError  provider.ErrorCallback
}

// New returns an unconnected Groq STT provider using strategy to decide
// when to flush the buffered audio. A zero-value strategy is promoted to
// provider.DefaultFlushStrategy() (OnDisconnect).
func New(logger commons.Logger, strategy provider.FlushStrategy) *STT {
	if strategy.Kind == "" {
		strategy = provider.DefaultFlushStrategy()
	}
	return &STT{
		logger:   logger,
		state:    provider.NewStateHolder(),
		client:   resty.New().SetTimeout(30 * time.Second),
		strategy: strategy,
	}
}

func (s *STT) Capabilities() provider.CapabilitySet { return capabilities }
func (s *STT) State() provider.ConnectionState       { return s.state.Load() }

func (s *STT) OnResult(fn provider.TranscriptCallback) { s.onResult = fn }
func (s *STT) OnError(fn provider.ErrorCallback)       { s.onError = fn }

// Connect validates credentials and resets the buffer; there is no
// persistent socket for a REST-buffered backend.
func (s *STT) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	key, _ := cfg["key"].(string)
	if key == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing api key in provider config")
	}
	opts, _ := cfg["options"].(utils.Option)
	model := opts.GetStringOr("listen.model", "whisper-large-v3-turbo")

	s.mu.Lock()
	s.apiKey = key
	s.model = model
	s.buf.Reset()
	s.bufStartedAt = time.Time{}
	s.client.SetAuthToken(key)
	s.mu.Unlock()

	s.state.Store(provider.StateConnected)
	return nil
}

// SendAudio appends frame to the buffer and checks the flush strategy.
// A threshold hit triggers an async flush so SendAudio itself never
// blocks the caller on the network round trip.
func (s *STT) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	s.mu.Lock()
	if s.bufStartedAt.IsZero() {
		s.bufStartedAt = time.Now()
	}
	s.buf.Write(frame.Data)
	s.lastAudioAt = time.Now()
	shouldFlush := s.shouldFlushLocked()
	s.mu.Unlock()

	if shouldFlush {
		utils.Go(ctx, func() { _ = s.flush(context.Background()) })
	}
	if s.strategy.Kind == provider.FlushOnSilence {
		silence := time.Duration(s.strategy.Silence) * time.Millisecond
		time.AfterFunc(silence, func() {
			s.mu.Lock()
			idle := time.Since(s.lastAudioAt) >= silence
			s.mu.Unlock()
			if idle {
				_ = s.flush(context.Background())
			}
		})
	}
	return nil
}

// shouldFlushLocked must be called with s.mu held.
func (s *STT) shouldFlushLocked() bool {
	switch s.strategy.Kind {
	case provider.FlushOnSize:
		return s.buf.Len() >= s.strategy.Bytes
	case provider.FlushOnDuration:
		if s.bufStartedAt.IsZero() {
			return false
		}
		return time.Since(s.bufStartedAt) >= time.Duration(s.strategy.Duration)*time.Millisecond
	case provider.FlushOnSilence:
		if s.lastAudioAt.IsZero() {
			return false
		}
		return time.Since(s.lastAudioAt) >= time.Duration(s.strategy.Silence)*time.Millisecond
	default: // FlushOnDisconnect
		return false
	}
}

// flush issues one multipart transcription request for everything
// currently buffered and resets the buffer, regardless of which
// strategy triggered it.
func (s *STT) flush(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	data := make([]byte, s.buf.Len())
	copy(data, s.buf.Bytes())
	s.buf.Reset()
	s.bufStartedAt = time.Time{}
	model := s.model
	s.mu.Unlock()

	resp, err := s.client.R().
		SetContext(ctx).
		SetFileReader("file", "audio.wav", bytes.NewReader(wrapWAV(data))).
		SetFormData(map[string]string{"model": model, "response_format": "verbose_json"}).
		Post(transcriptionURL)
	if err != nil {
		rerr := reliability.Wrap(reliability.KindTransport, ProviderID, "transcription request failed", err)
		if s.onError != nil {
			s.onError(rerr)
		}
		return rerr
	}
	if resp.StatusCode() == 429 {
		rerr := reliability.New(reliability.KindRateLimit, ProviderID, "groq rate limited")
		if s.onError != nil {
			s.onError(rerr)
		}
		return rerr
	}
	if resp.StatusCode() >= 400 {
		rerr := reliability.New(reliability.KindProviderError, ProviderID, fmt.Sprintf("groq returned status %d", resp.StatusCode()))
		if s.onError != nil {
			s.onError(rerr)
		}
		return rerr
	}

	var tr transcriptionResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		rerr := reliability.Wrap(reliability.KindProviderError, ProviderID, "malformed transcription response", err)
		if s.onError != nil {
			s.onError(rerr)
		}
		return rerr
	}

	var startMs, endMs float64
	if len(tr.Segments) > 0 {
		startMs = tr.Segments[0].Start * 1000
		endMs = tr.Segments[len(tr.Segments)-1].End * 1000
	}
	if s.onResult != nil {
		s.onResult(turn.Transcript{
			Text:       tr.Text,
			IsFinal:    true,
			Confidence: 1.0,
			StartMs:    startMs,
			EndMs:      endMs,
			Language:   tr.Language,
			ProviderID: ProviderID,
		})
	}
	return nil
}

// SendText is unsupported: Groq's transcription endpoint takes audio
// only.
func (s *STT) SendText(ctx context.Context, text string) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "send_text")
}

// ForceEndpoint flushes the buffer regardless of the configured
// strategy, guaranteeing a final transcript covering all audio received
// so far — the one behavior every FlushStrategy must honor (spec §4.1).
func (s *STT) ForceEndpoint(ctx context.Context) *provider.ProviderError {
	return s.flush(ctx)
}

// UpdateConfig is unsupported mid-buffer for this backend.
func (s *STT) UpdateConfig(ctx context.Context, delta provider.Config) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "update_config")
}

// Disconnect flushes the tail buffer (the OnDisconnect default
// strategy's trigger point) before marking the provider disconnected.
func (s *STT) Disconnect(ctx context.Context) *provider.ProviderError {
	err := s.flush(ctx)
	s.state.Store(provider.StateDisconnected)
	return err
}

// wrapWAV wraps raw PCM16LE mono 16kHz samples in a minimal WAV header so
// providers that require a self-describing container accept the upload.
func wrapWAV(pcm []byte) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(pcm))
	buf.WriteString("RIFF")
	writeUint32(&buf, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeUint32(&buf, 16)
	writeUint16(&buf, 1) // PCM
	writeUint16(&buf, 1) // mono
	writeUint32(&buf, 16000)
	writeUint32(&buf, 16000*2)
	writeUint16(&buf, 2)
	writeUint16(&buf, 16)
	buf.WriteString("data")
	writeUint32(&buf, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}
