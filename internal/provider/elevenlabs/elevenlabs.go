// Package elevenlabs implements provider.TTSProvider against ElevenLabs'
// full-duplex streaming WebSocket synthesis API: the WebSocket-transport
// TTS variant of spec §4.1, consuming emotion.VoiceSettings triples from
// internal/emotion rather than natural-language instructions.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/emotion"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

const ProviderID = "elevenlabs"

var capabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioOut,
	provider.CapEmotion,
	provider.CapBargeIn,
)

type outboundFrame struct {
	Text            string                 `json:"text"`
	VoiceSettings   map[string]interface{} `json:"voice_settings,omitempty"`
	TryTriggerGenerate bool                `json:"try_trigger_generation,omitempty"`
	Flush           bool                   `json:"flush,omitempty"`
}

type inboundFrame struct {
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"isFinal"`
	Alignment *struct {
		Chars []string `json:"chars"`
	} `json:"alignment"`
}

// TTS implements provider.TTSProvider over ElevenLabs' WebSocket stream.
type TTS struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	voiceID string
	opts    utils.Option

	onAudio    provider.AudioCallback
	onComplete func()
	onError    provider.ErrorCallback
}

// New returns an unconnected ElevenLabs TTS provider.
func New(logger commons.Logger) *TTS {
	return &TTS{logger: logger, state: provider.NewStateHolder()}
}

func (t *TTS) Capabilities() provider.CapabilitySet { return capabilities }
func (t *TTS) State() provider.ConnectionState       { return t.state.Load() }

func (t *TTS) OnAudio(fn provider.AudioCallback) { t.onAudio = fn }
func (t *TTS) OnComplete(fn func())              { t.onComplete = fn }
func (t *TTS) OnError(fn provider.ErrorCallback) { t.onError = fn }

// Connect dials ElevenLabs' streaming endpoint for the configured voice
// ID and model.
func (t *TTS) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	key, _ := cfg["key"].(string)
	if key == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing api key in provider config")
	}
	voiceID, _ := cfg["voice_id"].(string)
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM" // ElevenLabs default "Rachel" voice
	}
	opts, _ := cfg["options"].(utils.Option)
	model := opts.GetStringOr("speak.model", "eleven_turbo_v2_5")

	t.mu.Lock()
	t.voiceID = voiceID
	t.opts = opts
	t.state.Store(provider.StateConnecting)
	t.mu.Unlock()

	wsURL := fmt.Sprintf("wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=pcm_24000", voiceID, model)
	header := map[string][]string{"xi-api-key": {key}}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		t.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "websocket dial failed", err)
	}

	// BOS frame establishes the voice settings for the stream.
	bos := outboundFrame{Text: " ", VoiceSettings: map[string]interface{}{
		"stability": 0.5, "similarity_boost": 0.75,
	}}
	if err := conn.WriteJSON(bos); err != nil {
		conn.Close()
		t.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "bos frame failed", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = runCancel
	t.state.Store(provider.StateConnected)
	t.mu.Unlock()

	utils.Go(runCtx, func() { t.readLoop(runCtx) })
	return nil
}

func (t *TTS) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.state.Store(provider.StateReconnecting)
			if t.onError != nil {
				t.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "websocket read failed", err))
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Audio != "" {
			decoded, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err == nil && t.onAudio != nil {
				t.onAudio(audio.Frame{Data: decoded, Config: audio.NewLinear24kHzMonoConfig()})
			}
		}
		if frame.IsFinal && t.onComplete != nil {
			t.onComplete()
		}
	}
}

// ApplyEmotion returns cfg encoded as an ElevenLabs voice-settings triple,
// via internal/emotion's Mapper. It neither stores nor sends the settings;
// Speak and Connect do not use them.
func (t *TTS) ApplyEmotion(cfg emotion.Config) emotion.VoiceSettings {
	return emotion.NewMapper().ToVoiceSettings(cfg)
}

// Speak sends text for synthesis. flush=true is a commitment (spec
// §4.1); flush=false lets ElevenLabs coalesce it with the next chunk
// before beginning synthesis.
func (t *TTS) Speak(ctx context.Context, text string, flush bool) *provider.ProviderError {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	msg := outboundFrame{Text: text, TryTriggerGenerate: flush, Flush: flush}
	if err := conn.WriteJSON(msg); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "speak write failed", err)
	}
	return nil
}

// Cancel sends an empty-text EOS frame, which ElevenLabs treats as a
// stream-close, discarding any in-flight synthesis.
func (t *TTS) Cancel(ctx context.Context) *provider.ProviderError {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.WriteJSON(outboundFrame{Text: ""}); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "cancel write failed", err)
	}
	return nil
}

// Disconnect closes the underlying WebSocket.
func (t *TTS) Disconnect(ctx context.Context) *provider.ProviderError {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if cancel != nil {
		cancel()
	}
	t.state.Store(provider.StateDisconnected)
	if err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "close failed", err)
	}
	return nil
}
