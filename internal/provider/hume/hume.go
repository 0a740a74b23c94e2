// Package hume implements provider.TTSProvider against Hume AI's
// HTTP-streamed synthesis API: the HTTP-streamed transport variant of
// spec §4.1. LMNT/PlayHT/OpenAI-TTS-class backends of the same shape are
// not separately implemented in this module; Polly has its own package,
// internal/provider/polly. A streamed response
// body is read chunk-by-chunk and each chunk is emitted as an
// audio.Frame as it arrives, rather than buffering the whole synthesis.
package hume

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

const ProviderID = "hume"
const synthesizeURL = "https://api.hume.ai/v0/tts/stream/json"

var capabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioOut,
	provider.CapEmotion,
)

// streamChunk is one line of Hume's newline-delimited JSON stream.
type streamChunk struct {
	Audio string `json:"audio"`
}

// TTS implements provider.TTSProvider against Hume's HTTP-streamed
// synthesis endpoint. Unlike the WebSocket providers, each Speak call
// owns its own request/response pipeline; there is no persistent
// connection to hold open between calls.
type TTS struct {
	logger commons.Logger
	state  *provider.StateHolder
	client *resty.Client

	mu         sync.Mutex
	apiKey     string
	opts       utils.Option
	cancelFunc context.CancelFunc

	onAudio    provider.AudioCallback
	onComplete func()
	onError    provider.ErrorCallback
}

// New returns an unconnected Hume TTS provider backed by a fresh resty
// client, matching the teacher's one-client-per-provider pattern for the
// HTTP-streamed backends.
func New(logger commons.Logger) *TTS {
	return &TTS{
		logger: logger,
		state:  provider.NewStateHolder(),
		client: resty.New().SetTimeout(30 * time.Second),
	}
}

func (t *TTS) Capabilities() provider.CapabilitySet { return capabilities }
func (t *TTS) State() provider.ConnectionState       { return t.state.Load() }

func (t *TTS) OnAudio(fn provider.AudioCallback) { t.onAudio = fn }
func (t *TTS) OnComplete(fn func())              { t.onComplete = fn }
func (t *TTS) OnError(fn provider.ErrorCallback) { t.onError = fn }

// Connect validates credentials/options; there is no persistent socket
// to open for an HTTP-streamed backend, so this only prepares the client.
func (t *TTS) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	key, _ := cfg["key"].(string)
	if key == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing api key in provider config")
	}
	opts, _ := cfg["options"].(utils.Option)

	t.mu.Lock()
	t.apiKey = key
	t.opts = opts
	t.mu.Unlock()

	t.client.SetHeader("X-Hume-Api-Key", key)
	t.state.Store(provider.StateConnected)
	return nil
}

// Speak issues a streamed synthesis request and emits each decoded audio
// chunk via OnAudio as it arrives. flush is honored as a commitment: a
// false value is still synthesized immediately since Hume's REST
// endpoint has no inter-request coalescing, but the session is free to
// treat it as non-committing for de-dup purposes at a higher layer.
func (t *TTS) Speak(ctx context.Context, text string, flush bool) *provider.ProviderError {
	t.mu.Lock()
	description := ""
	if t.opts != nil {
		description = t.opts.GetStringOr("speak.description", "")
	}
	voice := ""
	if t.opts != nil {
		voice = t.opts.GetStringOr("speak.voice.id", "")
	}
	t.mu.Unlock()

	body := map[string]interface{}{
		"utterances": []map[string]interface{}{
			{"text": text, "description": description, "voice": map[string]string{"id": voice}},
		},
		"format": map[string]string{"type": "pcm"},
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFunc = cancel
	t.mu.Unlock()

	resp, err := t.client.R().
		SetContext(runCtx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(synthesizeURL)
	if err != nil {
		cancel()
		return reliability.Wrap(reliability.KindTransport, ProviderID, "synthesis request failed", err)
	}
	if resp.StatusCode() == 429 {
		cancel()
		return reliability.New(reliability.KindRateLimit, ProviderID, "hume rate limited")
	}
	if resp.StatusCode() >= 400 {
		cancel()
		return reliability.New(reliability.KindProviderError, ProviderID, fmt.Sprintf("hume returned status %d", resp.StatusCode()))
	}

	utils.Go(runCtx, func() { t.streamResponse(runCtx, resp.RawBody(), cancel) })
	return nil
}

func (t *TTS) streamResponse(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) {
	defer body.Close()
	defer cancel()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(chunk.Audio)
		if err != nil || len(decoded) == 0 {
			continue
		}
		if t.onAudio != nil {
			t.onAudio(audio.Frame{Data: decoded, Config: audio.NewLinear24kHzMonoConfig()})
		}
	}
	if err := scanner.Err(); err != nil && t.onError != nil {
		t.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "stream read failed", err))
		return
	}
	if t.onComplete != nil {
		t.onComplete()
	}
}

// Cancel aborts the in-flight streamed request, if any.
func (t *TTS) Cancel(ctx context.Context) *provider.ProviderError {
	t.mu.Lock()
	cancel := t.cancelFunc
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Disconnect is a no-op beyond cancelling any in-flight request: an
// HTTP-streamed backend holds no persistent connection between calls.
func (t *TTS) Disconnect(ctx context.Context) *provider.ProviderError {
	_ = t.Cancel(ctx)
	t.state.Store(provider.StateDisconnected)
	return nil
}
