// Package azure implements provider.STTProvider and provider.TTSProvider
// against Azure Cognitive Services Speech, wiring
// github.com/Microsoft/cognitive-services-speech-sdk-go directly rather
// than a raw WebSocket client — Azure's own SDK owns the wire protocol,
// matching the teacher's per-vendor-SDK provider shape.
package azure

import (
	"context"
	"sync"

	cogspeech "github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

// ProviderID names this provider in reliability.Error/breaker keys.
const ProviderID = "azure"

// connectConfig is the typed shape of the required fields in a
// provider.Config for this backend, decoded with mapstructure rather
// than ad hoc map assertions because auth material is required input,
// not a capability-gated option (pkg/utils.Option still covers those).
type connectConfig struct {
	Key    string `mapstructure:"key" validate:"required"`
	Region string `mapstructure:"region" validate:"required"`
}

var validate = validator.New()

// decodeConnectConfig decodes and validates the required auth fields out
// of an opaque provider.Config map, shared by the STT and TTS backends in
// this package.
func decodeConnectConfig(cfg provider.Config) (connectConfig, *provider.ProviderError) {
	var cc connectConfig
	if err := mapstructure.Decode(map[string]interface{}(cfg), &cc); err != nil {
		return cc, reliability.Wrap(reliability.KindConfig, ProviderID, "config decode failed", err)
	}
	if err := validate.Struct(cc); err != nil {
		return cc, reliability.Wrap(reliability.KindConfig, ProviderID, "config validation failed", err)
	}
	return cc, nil
}

var sttCapabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioIn,
	provider.CapPartialTranscripts,
	provider.CapServerVAD,
)

// STT implements provider.STTProvider over the Azure Speech SDK's
// continuous recognition with a push audio input stream.
type STT struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu         sync.Mutex
	stream     *cogspeech.PushAudioInputStream
	recognizer *speech.SpeechRecognizer

	onResult provider.TranscriptCallback
	onError  provider.ErrorCallback
}

// New returns an unconnected Azure STT provider.
func New(logger commons.Logger) *STT {
	return &STT{logger: logger, state: provider.NewStateHolder()}
}

func (s *STT) Capabilities() provider.CapabilitySet { return sttCapabilities }
func (s *STT) State() provider.ConnectionState       { return s.state.Load() }

func (s *STT) OnResult(fn provider.TranscriptCallback) { s.onResult = fn }
func (s *STT) OnError(fn provider.ErrorCallback)       { s.onError = fn }

// Connect builds a speech.SpeechConfig from the vault key/region,
// attaches a 16kHz mono PCM16 push stream, and starts continuous
// recognition.
func (s *STT) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	cc, cerr := decodeConnectConfig(cfg)
	if cerr != nil {
		return cerr
	}
	opts, _ := cfg["options"].(utils.Option)

	s.state.Store(provider.StateConnecting)

	speechConfig, err := speech.NewSpeechConfigFromSubscription(cc.Key, cc.Region)
	if err != nil {
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindConfig, ProviderID, "speech config construction failed", err)
	}
	defer speechConfig.Close()
	if language := opts.GetStringOr("listen.language", ""); language != "" {
		_ = speechConfig.SetSpeechRecognitionLanguage(language)
	}

	format, err := cogspeech.GetWaveFormatPCM(16000, 16, 1)
	if err != nil {
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindInternal, ProviderID, "wave format construction failed", err)
	}
	defer format.Close()

	stream, err := cogspeech.CreatePushAudioInputStreamFromFormat(format)
	if err != nil {
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "push stream construction failed", err)
	}

	audioConfig, err := cogspeech.NewAudioConfigFromStreamInput(stream)
	if err != nil {
		stream.Close()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "audio config construction failed", err)
	}
	defer audioConfig.Close()

	recognizer, err := speech.NewSpeechRecognizerFromConfig(speechConfig, audioConfig)
	if err != nil {
		stream.Close()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "recognizer construction failed", err)
	}

	recognizer.Recognizing(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()
		s.emit(event, false)
	})
	recognizer.Recognized(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()
		s.emit(event, true)
	})
	recognizer.Canceled(func(event speech.SpeechRecognitionCanceledEventArgs) {
		defer event.Close()
		s.state.Store(provider.StateReconnecting)
		if s.onError != nil {
			s.onError(reliability.New(reliability.KindTransport, ProviderID, "recognition canceled: "+event.ErrorDetails))
		}
	})

	if outcome := <-recognizer.StartContinuousRecognitionAsync(); outcome.Error != nil {
		recognizer.Close()
		stream.Close()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "start continuous recognition failed", outcome.Error)
	}

	s.mu.Lock()
	s.stream = stream
	s.recognizer = recognizer
	s.mu.Unlock()
	s.state.Store(provider.StateConnected)
	return nil
}

func (s *STT) emit(event speech.SpeechRecognitionEventArgs, isFinal bool) {
	if event.Result.Text == "" {
		return
	}
	if s.onResult != nil {
		s.onResult(turn.Transcript{
			Text:       event.Result.Text,
			IsFinal:    isFinal,
			Confidence: 1.0,
			ProviderID: ProviderID,
		})
	}
}

// SendAudio writes frame's PCM16LE data to the push stream.
func (s *STT) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	if err := stream.Write(frame.Data); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "stream write failed", err)
	}
	return nil
}

// SendText is unsupported: Azure's recognizer accepts audio only.
func (s *STT) SendText(ctx context.Context, text string) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "send_text")
}

// ForceEndpoint closes the push stream, which drains Azure's internal
// buffer and yields a final Recognized event for any pending audio.
func (s *STT) ForceEndpoint(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	stream.CloseStream()
	return nil
}

// UpdateConfig is unsupported mid-recognition for this backend.
func (s *STT) UpdateConfig(ctx context.Context, delta provider.Config) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "update_config")
}

// Disconnect stops continuous recognition and releases the recognizer
// and stream.
func (s *STT) Disconnect(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	recognizer := s.recognizer
	s.stream = nil
	s.recognizer = nil
	s.mu.Unlock()

	if recognizer == nil {
		return nil
	}
	outcome := <-recognizer.StopContinuousRecognitionAsync()
	recognizer.Close()
	if stream != nil {
		stream.Close()
	}
	s.state.Store(provider.StateDisconnected)
	if outcome.Error != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "stop continuous recognition failed", outcome.Error)
	}
	return nil
}
