package session

import (
	"context"
	"time"

	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/vad"
)

// turnCompletionPoll is how often the driver checks IsTurnComplete while
// Transcribing — the turn detector's own signals (speech events,
// transcript text) don't by themselves wake the driver once silence has
// already begun, so a light poll closes the gap.
const turnCompletionPoll = 100 * time.Millisecond

// run is the single state-machine-driver goroutine (spec §5): the only
// goroutine that ever reads or writes currentTurn, the dedup table, or
// reconnect bookkeeping. Every other goroutine in this file only ever
// writes to one of its channels.
func (s *VoiceSession) run() {
	ticker := time.NewTicker(turnCompletionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.controlRecvCh:
			s.handleControl(msg)

		case sig := <-s.vadEventCh:
			s.handleVADSignal(sig)

		case t := <-s.sttResultCh:
			s.handleTranscript(t)

		case err := <-s.sttErrCh:
			s.handleProviderError("stt", s.sttProviderID, err)

		case f := <-s.ttsAudioCh:
			s.forwardAudioOut(f)

		case <-s.ttsCompleteCh:
			s.handleTTSComplete()

		case err := <-s.ttsErrCh:
			s.handleProviderError("tts", s.ttsProviderID, err)

		case wf := <-s.watchdogCh:
			s.handleProviderError(wf.provider, s.providerIDFor(wf.provider), wf.err)

		case res := <-s.thinkingResultCh:
			s.handleThinkingResult(res)

		case res := <-s.reconnectDoneCh:
			s.handleReconnectResult(res)

		case <-ticker.C:
			if s.State() == StateTranscribing && s.turnDetector.IsTurnComplete(time.Now()) {
				s.finalizeTurn()
			}
			s.dedup.sweep(time.Now())
		}
	}
}

func (s *VoiceSession) providerIDFor(kind string) string {
	if kind == "stt" {
		return s.sttProviderID
	}
	return s.ttsProviderID
}

// connectInitial connects both providers before the session leaves
// Starting. Runs off the driver goroutine (it blocks on network I/O).
func (s *VoiceSession) connectInitial() {
	if err := s.connectWithRetry(s.ctx, "stt", s.sttProviderID, s.sttBreaker, func(ctx context.Context) *provider.ProviderError {
		return s.stt.Connect(ctx, s.sttConfig)
	}); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: err.Retryable()})
		_ = s.Close()
		return
	}
	s.sttWatchdog = reliability.NewIdleWatchdog(s.sttProviderID, s.timeouts.StreamIdle)
	s.watchWatchdog("stt", s.sttWatchdog)

	if err := s.connectWithRetry(s.ctx, "tts", s.ttsProviderID, s.ttsBreaker, func(ctx context.Context) *provider.ProviderError {
		return s.tts.Connect(ctx, s.ttsConfig)
	}); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: err.Retryable()})
		_ = s.Close()
		return
	}
	s.ttsWatchdog = reliability.NewIdleWatchdog(s.ttsProviderID, s.timeouts.StreamIdle)
	s.watchWatchdog("tts", s.ttsWatchdog)

	s.state.store(StateListening)
	s.emitEvent(Event{Kind: EventSessionCreated})
}

// connectWithRetry wraps a single provider Connect call in the session's
// retry policy and circuit breaker, per spec §4.6 reconnect semantics.
func (s *VoiceSession) connectWithRetry(ctx context.Context, kind, providerID string, breaker *reliability.Breaker, connect func(context.Context) *provider.ProviderError) *reliability.Error {
	var lastErr *reliability.Error
	err := s.retryPolicy.Do(ctx, func(ctx context.Context) error {
		if !breaker.Allow() {
			lastErr = reliability.New(reliability.KindCircuitOpen, providerID, kind+" breaker open")
			return lastErr
		}
		deadline, cancel := s.timeouts.WithConnectDeadline(ctx)
		defer cancel()
		if perr := connect(deadline); perr != nil {
			breaker.RecordFailure()
			lastErr = perr
			return perr
		}
		breaker.RecordSuccess()
		return nil
	})
	if err != nil {
		if rerr, ok := err.(*reliability.Error); ok {
			return rerr
		}
		return lastErr
	}
	return nil
}

// watchWatchdog forwards one IdleWatchdog's single Fired delivery into the
// shared watchdogCh so run's select doesn't need a case per provider per
// reconnect generation.
func (s *VoiceSession) watchWatchdog(kind string, w *reliability.IdleWatchdog) {
	go func() {
		select {
		case err := <-w.Fired():
			select {
			case s.watchdogCh <- watchdogFired{provider: kind, err: err}:
			case <-s.ctx.Done():
			}
		case <-s.ctx.Done():
		}
	}()
}

// ingressPump is the STT-ingress task (spec §5): it drains buffered client
// audio and, while the STT provider is connected, forwards each frame to
// VAD and to the provider. While the provider is Reconnecting, frames are
// left queued in the ring (dropping oldest at capacity) rather than sent.
func (s *VoiceSession) ingressPump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.audioNotify.Chan():
		}

		if s.stt.State() != provider.StateConnected {
			continue
		}

		for {
			frame, ok := s.audioIn.Pop()
			if !ok {
				break
			}
			if s.sttWatchdog != nil {
				// touched regardless of recognition result: any inbound
				// audio counts as stream activity.
				s.sttWatchdog.Touch()
			}
			select {
			case s.vadFrameCh <- frame:
			case <-s.ctx.Done():
				return
			}
			if perr := s.stt.SendAudio(s.ctx, frame); perr != nil {
				s.pushSTTError(perr)
			}
		}
	}
}

// vadWorker is the VAD-worker task (spec §5): it feeds every ingress
// frame to the acoustic detector and forwards any SpeechEvents the
// detector produces to the driver. It never touches session-scoped
// state itself — turn-level interpretation of those events is entirely
// handleVADSignal's job, run on the driver goroutine.
func (s *VoiceSession) vadWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.vadFrameCh:
			evs, err := s.detector.Feed(s.ctx, vad.Frame{PCM16: frame.Data})
			if err != nil {
				s.logger.Warnw("vad detector feed failed", "error", err)
				continue
			}
			if len(evs) == 0 {
				continue
			}
			select {
			case s.vadEventCh <- vadSignal{events: evs}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// ttsIngressPump is the TTS-ingress task: it owns the actual Speak call so
// the driver goroutine never blocks on provider network I/O.
func (s *VoiceSession) ttsIngressPump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.speakCh:
			s.doSpeak(req)
		}
	}
}

// doSpeak issues the actual Speak call; the caller (the driver, via
// beginSpeaking) has already reserved the session's TTS concurrency slot,
// which is released when the provider reports completion or error.
func (s *VoiceSession) doSpeak(req speakRequest) {
	deadline, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
	defer cancel()
	if perr := s.tts.Speak(deadline, req.text, req.flush); perr != nil {
		s.pushTTSError(perr)
	}
}
