package google

import (
	"context"
	"fmt"
	"io"
	"sync"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/emotion"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

var ttsCapabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioOut,
	provider.CapSSML,
	provider.CapEmotion,
)

// TTS implements provider.TTSProvider over Text-to-Speech's
// StreamingSynthesize bidirectional gRPC stream, one stream per Speak
// call since Google's streaming API is request-scoped rather than a
// persistent multi-utterance session.
type TTS struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu         sync.Mutex
	client     *texttospeech.Client
	voiceName  string
	languageCode string
	cancelFunc context.CancelFunc

	onAudio    provider.AudioCallback
	onComplete func()
	onError    provider.ErrorCallback
}

// NewTTS returns an unconnected Google TTS provider.
func NewTTS(logger commons.Logger) *TTS {
	return &TTS{logger: logger, state: provider.NewStateHolder()}
}

func (t *TTS) Capabilities() provider.CapabilitySet { return ttsCapabilities }
func (t *TTS) State() provider.ConnectionState       { return t.state.Load() }

func (t *TTS) OnAudio(fn provider.AudioCallback) { t.onAudio = fn }
func (t *TTS) OnComplete(fn func())              { t.onComplete = fn }
func (t *TTS) OnError(fn provider.ErrorCallback) { t.onError = fn }

// Connect constructs the Text-to-Speech client; the stream itself is
// opened per Speak call.
func (t *TTS) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	apiKey, _ := cfg["key"].(string)
	if apiKey == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing key in provider config")
	}
	opts, _ := cfg["options"].(utils.Option)
	voiceName := opts.GetStringOr("speak.voice.name", "en-US-Neural2-C")
	languageCode := opts.GetStringOr("speak.language", "en-US")

	t.state.Store(provider.StateConnecting)
	client, err := texttospeech.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		t.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "client construction failed", err)
	}

	t.mu.Lock()
	t.client = client
	t.voiceName = voiceName
	t.languageCode = languageCode
	t.mu.Unlock()
	t.state.Store(provider.StateConnected)
	return nil
}

// SpeakWithEmotion synthesizes text wrapped with cfg's natural-language
// instructions via internal/emotion, where the underlying voice model
// honors free-text style direction (Google's Studio/Journey voices).
func (t *TTS) SpeakWithEmotion(ctx context.Context, text string, cfg emotion.Config) *provider.ProviderError {
	instructions := emotion.NewMapper().ToInstructions(cfg)
	return t.speak(ctx, fmt.Sprintf("[%s] %s", instructions, text))
}

// Speak opens a fresh StreamingSynthesize call for text and streams
// decoded PCM chunks to OnAudio as they arrive.
func (t *TTS) Speak(ctx context.Context, text string, flush bool) *provider.ProviderError {
	return t.speak(ctx, text)
}

func (t *TTS) speak(ctx context.Context, text string) *provider.ProviderError {
	t.mu.Lock()
	client := t.client
	voiceName := t.voiceName
	languageCode := t.languageCode
	t.mu.Unlock()
	if client == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFunc = cancel
	t.mu.Unlock()

	stream, err := client.StreamingSynthesize(runCtx)
	if err != nil {
		cancel()
		return reliability.Wrap(reliability.KindTransport, ProviderID, "streaming synthesize call failed", err)
	}

	req := &texttospeechpb.StreamingSynthesizeRequest{
		StreamingRequest: &texttospeechpb.StreamingSynthesizeRequest_StreamingConfig{
			StreamingConfig: &texttospeechpb.StreamingSynthesizeConfig{
				Voice: &texttospeechpb.VoiceSelectionParams{
					Name:         voiceName,
					LanguageCode: languageCode,
				},
				StreamingAudioConfig: &texttospeechpb.StreamingAudioConfig{
					AudioEncoding:   texttospeechpb.AudioEncoding_PCM,
					SampleRateHertz: 24000,
				},
			},
		},
	}
	if err := stream.Send(req); err != nil {
		cancel()
		return reliability.Wrap(reliability.KindTransport, ProviderID, "streaming config send failed", err)
	}
	if err := stream.Send(&texttospeechpb.StreamingSynthesizeRequest{
		StreamingRequest: &texttospeechpb.StreamingSynthesizeRequest_Input{
			Input: &texttospeechpb.StreamingSynthesisInput{
				InputSource: &texttospeechpb.StreamingSynthesisInput_Text{Text: text},
			},
		},
	}); err != nil {
		cancel()
		return reliability.Wrap(reliability.KindTransport, ProviderID, "synthesis input send failed", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return reliability.Wrap(reliability.KindTransport, ProviderID, "close send failed", err)
	}

	utils.Go(runCtx, func() { t.recvLoop(stream, cancel) })
	return nil
}

func (t *TTS) recvLoop(stream texttospeechpb.TextToSpeech_StreamingSynthesizeClient, cancel context.CancelFunc) {
	defer cancel()
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			if t.onComplete != nil {
				t.onComplete()
			}
			return
		}
		if err != nil {
			if t.onError != nil {
				t.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "stream recv failed", err))
			}
			return
		}
		if data := resp.GetAudioContent(); len(data) > 0 && t.onAudio != nil {
			t.onAudio(audio.Frame{Data: data, Config: audio.NewLinear24kHzMonoConfig()})
		}
	}
}

// Cancel cancels the in-flight streaming synthesize call, if any.
func (t *TTS) Cancel(ctx context.Context) *provider.ProviderError {
	t.mu.Lock()
	cancel := t.cancelFunc
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Disconnect releases the client.
func (t *TTS) Disconnect(ctx context.Context) *provider.ProviderError {
	_ = t.Cancel(ctx)
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.Close()
	}
	t.state.Store(provider.StateDisconnected)
	return nil
}
