// Command gateway is a thin illustrative entrypoint wiring the library
// packages in this module together: process config (internal/gatewayconfig),
// the plugin registry (internal/registry), and one VoiceSession
// (internal/session) driven end-to-end against stdio audio instead of a
// real client transport. Client-facing HTTP/WebSocket framing is out of
// scope for this module (spec §1 Non-goals) — this binary exists only to
// demonstrate that the pieces actually wire together, not to serve
// traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexavoice/gateway/internal/emotion"
	"github.com/nexavoice/gateway/internal/gatewayconfig"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/provider/deepgram"
	"github.com/nexavoice/gateway/internal/provider/elevenlabs"
	"github.com/nexavoice/gateway/internal/registry"
	"github.com/nexavoice/gateway/internal/session"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

func main() {
	cfg, err := gatewayconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: config: %v\n", err)
		os.Exit(1)
	}

	logger := commons.NewApplicationLogger(commons.LogConfig{Level: cfg.LogLevel})

	reg := registry.New()
	mustRegisterBuiltins(reg)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infow("gateway: shutdown signal received")
		cancel()
	}()

	sttAny, err := reg.Build(deepgram.ProviderID, registry.KindSTT, logger)
	if err != nil {
		logger.Fatalf("gateway: build stt provider: %v", err)
	}
	ttsAny, err := reg.Build(elevenlabs.ProviderID, registry.KindTTS, logger)
	if err != nil {
		logger.Fatalf("gateway: build tts provider: %v", err)
	}

	vs := session.NewVoiceSession(ctx, session.VoiceSessionConfig{
		SessionID:     "demo-session",
		Logger:        logger,
		STT:           sttAny.(provider.STTProvider),
		STTProviderID: deepgram.ProviderID,
		STTConfig:     provider.Config{"key": os.Getenv("DEEPGRAM_API_KEY"), "options": utils.Option{}},
		TTS:           ttsAny.(provider.TTSProvider),
		TTSProviderID: elevenlabs.ProviderID,
		TTSConfig:     provider.Config{"key": os.Getenv("ELEVENLABS_API_KEY"), "options": utils.Option{}},
		VoiceID:       "21m00Tcm4TlvDq8ikWAM",
		Responder:     echoResponder,
	})
	defer vs.Close()

	logEvents(ctx, logger, vs)
}

// mustRegisterBuiltins registers the handful of provider backends this
// illustrative binary ships with. A real deployment loads its provider
// roster from cfg.Providers and resolves each entry's Kind/ID against
// either a compiled-in constructor (as here) or registry.PluginDialer for
// an out-of-process module.
func mustRegisterBuiltins(reg *registry.Registry) {
	must(reg.Register(registry.Registration{
		ProviderID:   deepgram.ProviderID,
		Kind:         registry.KindSTT,
		Capabilities: provider.NewCapabilitySet(provider.CapStreamingAudioIn, provider.CapPartialTranscripts, provider.CapWordTimestamps),
		Construct:    func(logger commons.Logger) interface{} { return deepgram.New(logger) },
	}))
	must(reg.Register(registry.Registration{
		ProviderID:   elevenlabs.ProviderID,
		Kind:         registry.KindTTS,
		Capabilities: provider.NewCapabilitySet(provider.CapStreamingAudioOut, provider.CapEmotion, provider.CapBargeIn),
		Construct:    func(logger commons.Logger) interface{} { return elevenlabs.New(logger) },
	}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// echoResponder stands in for the external application logic (spec §1
// "out of scope: ... application logic") this binary has no business
// implementing — it just proves the Thinking -> Speaking edge fires.
func echoResponder(_ context.Context, turnID uint64, userText string) (string, emotion.Config, error) {
	return fmt.Sprintf("you said: %s", userText), emotion.Config{Emotion: emotion.Neutral}, nil
}

// logEvents drains the session's client-facing event and audio-out
// channels until ctx is cancelled, standing in for whatever transport
// adapter would normally forward them to a real client.
func logEvents(ctx context.Context, logger commons.Logger, vs *session.VoiceSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-vs.Events():
			if !ok {
				return
			}
			logger.Infow("session event", "kind", ev.Kind, "turn_id", ev.TurnID, "text", ev.Text, "is_final", ev.IsFinal)
			if ev.Kind == session.EventClosing {
				return
			}
		case frame, ok := <-vs.AudioOut():
			if !ok {
				continue
			}
			_ = frame // a real transport adapter would forward this to the client
		case <-time.After(30 * time.Second):
			if vs.State() == session.StateTerminated {
				return
			}
		}
	}
}
