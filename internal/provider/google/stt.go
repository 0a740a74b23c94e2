// Package google implements provider.STTProvider and provider.TTSProvider
// against Google Cloud Speech-to-Text v2 and Text-to-Speech, grounded on
// the teacher's googleOption client-option/config-building conventions
// (internal/transformer/google in the teacher pack) but adapted into the
// gRPC-streaming contract C1 requires instead of a one-shot transformer.
package google

import (
	"context"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

// ProviderID names this provider in reliability.Error/breaker keys.
const ProviderID = "google"

var sttCapabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioIn,
	provider.CapPartialTranscripts,
	provider.CapWordTimestamps,
)

// STT implements provider.STTProvider over Speech-to-Text v2's
// StreamingRecognize bidirectional gRPC stream.
type STT struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu     sync.Mutex
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	recognizer string

	onResult provider.TranscriptCallback
	onError  provider.ErrorCallback
}

// New returns an unconnected Google STT provider.
func New(logger commons.Logger) *STT {
	return &STT{logger: logger, state: provider.NewStateHolder()}
}

func (s *STT) Capabilities() provider.CapabilitySet { return sttCapabilities }
func (s *STT) State() provider.ConnectionState       { return s.state.Load() }

func (s *STT) OnResult(fn provider.TranscriptCallback) { s.onResult = fn }
func (s *STT) OnError(fn provider.ErrorCallback)       { s.onError = fn }

// Connect opens the Speech v2 client and the StreamingRecognize call,
// sending the initial streaming config message.
func (s *STT) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	apiKey, _ := cfg["key"].(string)
	projectID, _ := cfg["project_id"].(string)
	if apiKey == "" || projectID == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing key/project_id in provider config")
	}
	opts, _ := cfg["options"].(utils.Option)
	language := opts.GetStringOr("listen.language", "en-US")
	model := opts.GetStringOr("listen.model", "long")

	s.state.Store(provider.StateConnecting)

	runCtx, cancel := context.WithCancel(context.Background())
	client, err := speech.NewClient(runCtx, option.WithAPIKey(apiKey))
	if err != nil {
		cancel()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "client construction failed", err)
	}

	stream, err := client.StreamingRecognize(runCtx)
	if err != nil {
		client.Close()
		cancel()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "streaming recognize call failed", err)
	}

	recognizer := "projects/" + projectID + "/locations/global/recognizers/_"
	initReq := &speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   16000,
							AudioChannelCount: 1,
						},
					},
					LanguageCodes: []string{language},
					Model:         model,
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: true,
						EnableWordConfidence:       true,
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults: true,
				},
			},
		},
	}
	if err := stream.Send(initReq); err != nil {
		client.Close()
		cancel()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "initial config send failed", err)
	}

	s.mu.Lock()
	s.client = client
	s.stream = stream
	s.cancel = cancel
	s.recognizer = recognizer
	s.mu.Unlock()
	s.state.Store(provider.StateConnected)

	utils.Go(runCtx, func() { s.recvLoop(runCtx) })
	return nil
}

func (s *STT) recvLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			return
		}
		resp, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.state.Store(provider.StateReconnecting)
			if s.onError != nil {
				s.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "stream recv failed", err))
			}
			return
		}
		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			alt := result.GetAlternatives()[0]
			words := make([]turn.Word, 0, len(alt.GetWords()))
			for _, w := range alt.GetWords() {
				words = append(words, turn.Word{
					Text:       w.GetWord(),
					StartMs:    float64(w.GetStartOffset().AsDuration().Milliseconds()),
					EndMs:      float64(w.GetEndOffset().AsDuration().Milliseconds()),
					Confidence: float64(w.GetConfidence()),
				})
			}
			if s.onResult != nil {
				s.onResult(turn.Transcript{
					Text:       alt.GetTranscript(),
					IsFinal:    result.GetIsFinal(),
					Confidence: float64(alt.GetConfidence()),
					Words:      words,
					Language:   result.GetLanguageCode(),
					ProviderID: ProviderID,
				})
			}
		}
	}
}

// SendAudio streams a raw PCM16LE frame over the bidi stream.
func (s *STT) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: frame.Data},
	}
	if err := stream.Send(req); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "audio send failed", err)
	}
	return nil
}

// SendText is unsupported by Speech-to-Text v2's streaming endpoint.
func (s *STT) SendText(ctx context.Context, text string) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "send_text")
}

// ForceEndpoint closes the send side of the stream, which flushes
// Google's buffered audio and yields a final result for everything sent.
func (s *STT) ForceEndpoint(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	if err := stream.CloseSend(); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "close send failed", err)
	}
	return nil
}

// UpdateConfig is unsupported mid-stream for this backend.
func (s *STT) UpdateConfig(ctx context.Context, delta provider.Config) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "update_config")
}

// Disconnect closes the stream and client.
func (s *STT) Disconnect(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	client := s.client
	cancel := s.cancel
	s.stream = nil
	s.client = nil
	s.cancel = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.CloseSend()
	}
	if client != nil {
		client.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.state.Store(provider.StateDisconnected)
	return nil
}
