// Package awstranscribe implements provider.STTProvider against Amazon
// Transcribe's streaming HTTP/2 event-stream API via the teacher pack's
// AWS SDK (github.com/aws/aws-sdk-go), the gRPC/vendor-SDK transport
// variant of spec §4.1 — Transcribe has no raw WebSocket endpoint, so the
// SDK's transcribestreamingservice client owns the wire encoding the way
// Azure's SDK does for that provider.
package awstranscribe

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/transcribestreamingservice"
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
const ProviderID = "aws_transcribe"

// connectConfig is the typed shape of the required auth fields in a
// provider.Config for this backend, decoded with mapstructure rather
// than ad hoc map assertions — the same approach internal/provider/azure
// uses for its required key/region pair.
type connectConfig struct {
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`
	Region    string `mapstructure:"region" validate:"required"`
}

var validate = validator.New()

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

var capabilities = provider.NewCapabilitySet(
	provider.CapStreamingAudioIn,
	provider.CapPartialTranscripts,
)

// STT implements provider.STTProvider over Amazon Transcribe's
// StartStreamTranscription bidirectional event stream.
type STT struct {
	logger commons.Logger
	state  *provider.StateHolder

	mu     sync.Mutex
	stream *transcribestreamingservice.StartStreamTranscriptionEventStream
	cancel context.CancelFunc

	onResult provider.TranscriptCallback
	onError  provider.ErrorCallback
}

// New returns an unconnected Amazon Transcribe STT provider.
func New(logger commons.Logger) *STT {
	return &STT{logger: logger, state: provider.NewStateHolder()}
}

func (s *STT) Capabilities() provider.CapabilitySet { return capabilities }
func (s *STT) State() provider.ConnectionState       { return s.state.Load() }

func (s *STT) OnResult(fn provider.TranscriptCallback) { s.onResult = fn }
func (s *STT) OnError(fn provider.ErrorCallback)       { s.onError = fn }

// Connect opens the transcribe-streaming client and starts the
// bidirectional event stream with PCM16LE 16kHz mono audio.
func (s *STT) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	cc, cerr := decodeConnectConfig(cfg)
	if cerr != nil {
		return cerr
	}
	opts, _ := cfg["options"].(utils.Option)
	language := opts.GetStringOr("listen.language", "en-US")

	s.state.Store(provider.StateConnecting)

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(cc.Region),
		Credentials: credentials.NewStaticCredentials(cc.AccessKey, cc.SecretKey, ""),
	})
	if err != nil {
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindConfig, ProviderID, "aws session construction failed", err)
	}
	client := transcribestreamingservice.New(sess)

	runCtx, cancel := context.WithCancel(context.Background())
	out, err := client.StartStreamTranscriptionWithContext(runCtx, &transcribestreamingservice.StartStreamTranscriptionInput{
		LanguageCode:           aws.String(language),
		MediaEncoding:          aws.String(transcribestreamingservice.MediaEncodingPcm),
		MediaSampleRateHertz:   aws.Int64(16000),
		EnablePartialResultsStabilization: aws.Bool(true),
	})
	if err != nil {
		cancel()
		s.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, ProviderID, "start stream transcription failed", err)
	}

	s.mu.Lock()
	s.stream = out.GetStream()
	s.cancel = cancel
	s.mu.Unlock()
	s.state.Store(provider.StateConnected)

	utils.Go(runCtx, func() { s.recvLoop(runCtx) })
	return nil
}

func (s *STT) recvLoop(ctx context.Context) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	for event := range stream.Events() {
		transcriptEvent, ok := event.(*transcribestreamingservice.TranscriptEvent)
		if !ok || transcriptEvent.Transcript == nil {
			continue
		}
		for _, result := range transcriptEvent.Transcript.Results {
			if result == nil || len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			text := aws.StringValue(alt.Transcript)
			words := make([]turn.Word, 0, len(alt.Items))
			for _, item := range alt.Items {
				words = append(words, turn.Word{
					Text:       aws.StringValue(item.Content),
					StartMs:    aws.Float64Value(item.StartTime) * 1000,
					EndMs:      aws.Float64Value(item.EndTime) * 1000,
					Confidence: aws.Float64Value(item.Confidence),
				})
			}
			if s.onResult != nil {
				s.onResult(turn.Transcript{
					Text:       text,
					IsFinal:    !aws.BoolValue(result.IsPartial),
					Confidence: 1.0,
					Words:      words,
					ProviderID: ProviderID,
				})
			}
		}
	}
	if err := stream.Err(); err != nil {
		s.state.Store(provider.StateReconnecting)
		if s.onError != nil {
			s.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "event stream failed", err))
		}
	}
}

// SendAudio sends a raw PCM16LE frame as an AudioEvent.
func (s *STT) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	event := &transcribestreamingservice.AudioEvent{AudioChunk: frame.Data}
	if err := stream.Send(ctx, event); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "audio event send failed", err)
	}
	return nil
}

// SendText is unsupported: Transcribe's streaming endpoint takes audio
// only.
func (s *STT) SendText(ctx context.Context, text string) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "send_text")
}

// ForceEndpoint closes the send side, flushing Transcribe's internal
// buffer and yielding a final result for the segment in flight.
func (s *STT) ForceEndpoint(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}
	if err := stream.Close(); err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "stream close failed", err)
	}
	return nil
}

// UpdateConfig is unsupported mid-stream: Transcribe's language/sample
// rate are fixed at stream start.
func (s *STT) UpdateConfig(ctx context.Context, delta provider.Config) *provider.ProviderError {
	return provider.ErrCapability(ProviderID, "update_config")
}

// Disconnect closes the event stream.
func (s *STT) Disconnect(ctx context.Context) *provider.ProviderError {
	s.mu.Lock()
	stream := s.stream
	cancel := s.cancel
	s.stream = nil
	s.cancel = nil
	s.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.state.Store(provider.StateDisconnected)
	if err != nil {
		return reliability.Wrap(reliability.KindTransport, ProviderID, "stream close failed", err)
	}
	return nil
}
