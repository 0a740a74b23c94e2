package azure

import (
	"context"
	"sync"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/emotion"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

var ttsCapabilities = provider.NewCapabilitySet(
	provider.CapSSML,
	provider.CapEmotion,
	provider.CapBargeIn,
)

// TTS implements provider.TTSProvider over the Azure Speech SDK's
// SpeakTextAsync/SpeakSsmlAsync synthesis calls, wrapping cfg's
// EmotionConfig into an mstts:express-as SSML element via
// internal/emotion before synthesis when emotion is requested.
type TTS struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu          sync.Mutex
	synthesizer *speech.SpeechSynthesizer
	voiceName   string
	cancelFunc  context.CancelFunc

	onAudio    provider.AudioCallback
	onComplete func()
	onError    provider.ErrorCallback
}

// NewTTS returns an unconnected Azure TTS provider.
func NewTTS(logger commons.Logger) *TTS {
	return &TTS{logger: logger, state: provider.NewStateHolder()}
}

func (t *TTS) Capabilities() provider.CapabilitySet { return ttsCapabilities }
func (t *TTS) State() provider.ConnectionState       { return t.state.Load() }

func (t *TTS) OnAudio(fn provider.AudioCallback) { t.onAudio = fn }
func (t *TTS) OnComplete(fn func())              { t.onComplete = fn }
func (t *TTS) OnError(fn provider.ErrorCallback) { t.onError = fn }

// Connect builds the SpeechSynthesizer against a pull-output (no
// AudioConfig) so synthesized audio is delivered via the result's byte
// buffer instead of to Azure's default speaker device.
func (t *TTS) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	cc, cerr := decodeConnectConfig(cfg)
	if cerr != nil {
		return cerr
	}
	opts, _ := cfg["options"].(utils.Option)
	voiceName := opts.GetStringOr("speak.voice.name", "en-US-AriaNeural")

	t.state.Store(provider.StateConnecting)

	speechConfig, err := speech.NewSpeechConfigFromSubscription(cc.Key, cc.Region)
	if err != nil {
		t.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindConfig, ProviderID, "speech config construction failed", err)
	}
	_ = speechConfig.SetSpeechSynthesisVoiceName(voiceName)
	_ = speechConfig.SetSpeechSynthesisOutputFormat(speech.Raw24Khz16BitMonoPcm)
	defer speechConfig.Close()

	synthesizer, err := speech.NewSpeechSynthesizerFromConfig(speechConfig, nil)
	if err != nil {
		t.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "synthesizer construction failed", err)
	}

	t.mu.Lock()
	t.synthesizer = synthesizer
	t.voiceName = voiceName
	t.mu.Unlock()
	t.state.Store(provider.StateConnected)
	return nil
}

// SpeakWithEmotion wraps text in an mstts:express-as SSML element per
// cfg and synthesizes the SSML form, used instead of Speak when the
// session has an active EmotionConfig for the turn.
func (t *TTS) SpeakWithEmotion(ctx context.Context, text string, cfg emotion.Config) *provider.ProviderError {
	ssml := emotion.NewMapper().ToSSMLExpressAs(cfg, text)
	return t.speakSSML(ctx, ssml)
}

// Speak synthesizes plain text via SpeakTextAsync.
func (t *TTS) Speak(ctx context.Context, text string, flush bool) *provider.ProviderError {
	t.mu.Lock()
	synthesizer := t.synthesizer
	t.mu.Unlock()
	if synthesizer == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFunc = cancel
	t.mu.Unlock()

	utils.Go(runCtx, func() {
		defer cancel()
		outcome := <-synthesizer.SpeakTextAsync(text)
		t.deliver(outcome)
	})
	return nil
}

func (t *TTS) speakSSML(ctx context.Context, ssml string) *provider.ProviderError {
	t.mu.Lock()
	synthesizer := t.synthesizer
	t.mu.Unlock()
	if synthesizer == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFunc = cancel
	t.mu.Unlock()

	utils.Go(runCtx, func() {
		defer cancel()
		outcome := <-synthesizer.SpeakSsmlAsync(ssml)
		t.deliver(outcome)
	})
	return nil
}

func (t *TTS) deliver(outcome speech.SpeechSynthesisOutcome) {
	defer outcome.Close()
	if outcome.Error != nil {
		if t.onError != nil {
			t.onError(reliability.Wrap(reliability.KindProviderError, ProviderID, "synthesis failed", outcome.Error))
		}
		return
	}
	if t.onAudio != nil && len(outcome.Result.AudioData) > 0 {
		t.onAudio(audio.Frame{Data: outcome.Result.AudioData, Config: audio.NewLinear24kHzMonoConfig()})
	}
	if t.onComplete != nil {
		t.onComplete()
	}
}

// Cancel cancels the in-flight SpeakTextAsync/SpeakSsmlAsync call, if
// any — Azure's SDK has no dedicated stop-speaking call on the
// synthesizer itself, so this only cancels the Go-side wait.
func (t *TTS) Cancel(ctx context.Context) *provider.ProviderError {
	t.mu.Lock()
	cancel := t.cancelFunc
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Disconnect releases the synthesizer.
func (t *TTS) Disconnect(ctx context.Context) *provider.ProviderError {
	_ = t.Cancel(ctx)
	t.mu.Lock()
	synthesizer := t.synthesizer
	t.synthesizer = nil
	t.mu.Unlock()
	if synthesizer != nil {
		synthesizer.Close()
	}
	t.state.Store(provider.StateDisconnected)
	return nil
}
