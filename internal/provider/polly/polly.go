// Package polly implements provider.TTSProvider against Amazon Polly's
// SynthesizeSpeech REST endpoint via github.com/aws/aws-sdk-go: the
// HTTP-streamed transport variant of spec §4.1. Polly returns the whole
// audio payload as a single response body rather than a chunked stream,
// so it is read and re-chunked into audio.Frame emissions of at most
// chunkBytes each to
// match the session's incremental-playback expectations.
package polly

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/polly"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

const ProviderID = "polly"

// chunkBytes is the size each SynthesizeSpeech response body is split
// into before emitting audio.Frame callbacks, keeping downstream
// consumers' frame cadence comparable to the streaming providers.
const chunkBytes = 4096

var capabilities = provider.NewCapabilitySet(
	provider.CapSSML,
)

// TTS implements provider.TTSProvider over Amazon Polly.
type TTS struct {
	logger commons.Logger
	state  *provider.StateHolder
	client *polly.Polly

	mu        sync.Mutex
	voiceID   string
	engine    string
	cancelCh  chan struct{}

	onAudio    provider.AudioCallback
	onComplete func()
	onError    provider.ErrorCallback
}

// NewTTS returns an unconnected Polly TTS provider.
func NewTTS(logger commons.Logger) *TTS {
	return &TTS{logger: logger, state: provider.NewStateHolder()}
}

func (t *TTS) Capabilities() provider.CapabilitySet { return capabilities }
func (t *TTS) State() provider.ConnectionState       { return t.state.Load() }

func (t *TTS) OnAudio(fn provider.AudioCallback) { t.onAudio = fn }
func (t *TTS) OnComplete(fn func())              { t.onComplete = fn }
func (t *TTS) OnError(fn provider.ErrorCallback) { t.onError = fn }

// Connect constructs the Polly client; there is no persistent connection
// for a request/response REST backend.
func (t *TTS) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	accessKey, _ := cfg["access_key"].(string)
	secretKey, _ := cfg["secret_key"].(string)
	region, _ := cfg["region"].(string)
	if accessKey == "" || secretKey == "" || region == "" {
		return reliability.New(reliability.KindAuth, ProviderID, "missing access_key/secret_key/region in provider config")
	}
	opts, _ := cfg["options"].(utils.Option)
	voiceID := opts.GetStringOr("speak.voice.id", "Joanna")
	engine := opts.GetStringOr("speak.engine", "neural")

	t.state.Store(provider.StateConnecting)
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	})
	if err != nil {
		t.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindConfig, ProviderID, "aws session construction failed", err)
	}

	t.mu.Lock()
	t.client = polly.New(sess)
	t.voiceID = voiceID
	t.engine = engine
	t.mu.Unlock()
	t.state.Store(provider.StateConnected)
	return nil
}

// Speak issues a SynthesizeSpeech request for text and re-chunks the
// returned audio stream into frames of at most chunkBytes delivered via
// OnAudio.
func (t *TTS) Speak(ctx context.Context, text string, flush bool) *provider.ProviderError {
	t.mu.Lock()
	client := t.client
	voiceID := t.voiceID
	engine := t.engine
	cancel := make(chan struct{})
	t.cancelCh = cancel
	t.mu.Unlock()
	if client == nil {
		return reliability.New(reliability.KindTransport, ProviderID, "not connected")
	}

	out, err := client.SynthesizeSpeechWithContext(ctx, &polly.SynthesizeSpeechInput{
		Text:         aws.String(text),
		TextType:     aws.String(polly.TextTypeText),
		VoiceId:      aws.String(voiceID),
		Engine:       aws.String(engine),
		OutputFormat: aws.String(polly.OutputFormatPcm),
		SampleRate:   aws.String("16000"),
	})
	if err != nil {
		return reliability.Wrap(reliability.KindProviderError, ProviderID, "synthesize speech failed", err)
	}

	utils.Go(ctx, func() { t.stream(out.AudioStream, cancel) })
	return nil
}

func (t *TTS) stream(body io.ReadCloser, cancel <-chan struct{}) {
	defer body.Close()
	buf := make([]byte, chunkBytes)
	for {
		select {
		case <-cancel:
			return
		default:
		}
		n, err := body.Read(buf)
		if n > 0 {
			frameData := make([]byte, n)
			copy(frameData, buf[:n])
			if t.onAudio != nil {
				t.onAudio(audio.Frame{Data: frameData, Config: audio.Config{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16LE}})
			}
		}
		if err == io.EOF {
			if t.onComplete != nil {
				t.onComplete()
			}
			return
		}
		if err != nil {
			if t.onError != nil {
				t.onError(reliability.Wrap(reliability.KindTransport, ProviderID, "audio stream read failed", err))
			}
			return
		}
	}
}

// Cancel stops delivering the in-flight response body's remaining
// chunks; Polly has no server-side cancel, so this only halts local
// forwarding.
func (t *TTS) Cancel(ctx context.Context) *provider.ProviderError {
	t.mu.Lock()
	cancel := t.cancelCh
	t.mu.Unlock()
	if cancel != nil {
		select {
		case <-cancel:
		default:
			close(cancel)
		}
	}
	return nil
}

// Disconnect is a no-op beyond cancelling any in-flight stream: Polly is
// a stateless REST backend.
func (t *TTS) Disconnect(ctx context.Context) *provider.ProviderError {
	_ = t.Cancel(ctx)
	t.state.Store(provider.StateDisconnected)
	return nil
}
