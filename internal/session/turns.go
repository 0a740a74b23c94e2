package session

import (
	"context"
	"time"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/internal/vad"
)

// handleControl applies one client control message. Only called from run.
func (s *VoiceSession) handleControl(msg interface{}) {
	switch m := msg.(type) {
	case ctrlText:
		if s.currentTurn == nil {
			s.openTurn()
			s.state.store(StateTranscribing)
		}
		s.turnDetector.ReportTranscript(m.text)
		tr := turn.Transcript{Text: m.text, IsFinal: true, ProviderID: "client_text"}
		if outcome := s.fuser.Observe(&tr, false); outcome == turn.OutcomeForward {
			s.emitEvent(Event{Kind: EventTranscript, Text: tr.Text, IsFinal: true, TurnID: tr.TurnID})
			s.beginThinking(tr)
		}
	case ctrlCommit:
		if s.State() == StateTranscribing {
			s.finalizeTurn()
		}
	case ctrlCancel:
		s.bargeIn(time.Now())
	case ctrlUpdateConfig:
		deadline, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
		defer cancel()
		if perr := s.stt.UpdateConfig(deadline, m.delta); perr != nil {
			s.emitEvent(Event{Kind: EventError, ErrorCode: string(perr.Kind), ErrorMessage: perr.Message})
		}
		s.emitEvent(Event{Kind: EventSessionUpdated})
	}
}

func (s *VoiceSession) openTurn() {
	s.currentTurn = turn.NewTurn(s.idSource, time.Now())
	s.fuser.SetCurrentTurn(s.currentTurn.ID)
	s.turnDetector.Reset()
}

// handleVADSignal interprets acoustic speech boundaries in light of the
// current session state — the only place VAD events carry session-scoped
// meaning (spec §4.6/§4.4).
func (s *VoiceSession) handleVADSignal(sig vadSignal) {
	now := time.Now()
	for _, ev := range sig.events {
		s.turnDetector.ObserveSpeechEvent(ev, now)

		switch ev.Kind {
		case vad.SpeechStarted:
			switch s.State() {
			case StateListening:
				// currentTurn may already be open here: a barge-in opens a
				// new turn while still transitioning through Listening, so
				// the next speech-started signal for that same utterance
				// must not clobber it with a second turn.
				if s.currentTurn == nil {
					s.openTurn()
				}
				s.state.store(StateTranscribing)
				s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: true, TurnID: s.currentTurn.ID})
			case StateSpeaking:
				s.bargeIn(now)
			}
		case vad.SpeechEnded:
			if s.currentTurn != nil {
				s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: false, TurnID: s.currentTurn.ID})
			}
		}
	}
}

// handleTranscript applies turn fusion to one STT result and, once a
// final transcript closes the current turn, hands it to the responder.
func (s *VoiceSession) handleTranscript(t turn.Transcript) {
	backpressured := len(s.events) == cap(s.events)
	outcome := s.fuser.Observe(&t, backpressured)
	if outcome == turn.OutcomeDropRevision {
		return
	}

	s.turnDetector.ReportTranscript(t.Text)
	s.emitEvent(Event{Kind: EventTranscript, Text: t.Text, IsFinal: t.IsFinal, TurnID: t.TurnID})

	if t.IsFinal && s.State() == StateTranscribing {
		s.beginThinking(t)
	}
}

// finalizeTurn forces the STT provider to flush any buffered audio and
// yield a final transcript, used both for the silence-floor-driven path
// and for an explicit client commit (spec §4.6).
func (s *VoiceSession) finalizeTurn() {
	if s.currentTurn == nil {
		return
	}
	go func() {
		deadline, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
		defer cancel()
		if perr := s.stt.ForceEndpoint(deadline); perr != nil {
			s.pushSTTError(perr)
		}
	}()
}

// beginThinking closes the current turn on its final transcript and
// dispatches the external responder off the driver goroutine — the
// responder may call out to an LLM and must never block state-machine
// progress.
func (s *VoiceSession) beginThinking(t turn.Transcript) {
	if s.currentTurn != nil {
		s.currentTurn.Close(time.Now(), turn.CauseVADEndOfTurn, &t)
		s.fuser.Reset(s.currentTurn.ID)
	}
	s.state.store(StateThinking)
	turnID := t.TurnID
	text := t.Text
	responder := s.responder

	go func() {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()
		respText, cfg, err := responder(ctx, turnID, text)
		select {
		case s.thinkingResultCh <- thinkingResult{turnID: turnID, text: respText, cfg: cfg, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// handleThinkingResult moves Thinking -> Speaking once the responder
// returns, applying the emotion mapping and TTS de-dup fingerprint.
func (s *VoiceSession) handleThinkingResult(res thinkingResult) {
	if s.State() != StateThinking {
		return
	}
	if res.err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: "responder_error", ErrorMessage: res.err.Error()})
		s.openTurn() // treat as a new blank turn; user can speak again
		s.state.store(StateListening)
		return
	}

	caps := s.tts.Capabilities()
	text := res.text
	if caps.Has(provider.CapEmotion) {
		if caps.Has(provider.CapSSML) {
			text = s.emoMapper.ToSSMLExpressAs(res.cfg, text)
		}
		// SSML folding above only applies to the Azure-class SSML
		// providers. Providers with CapEmotion but not CapSSML receive the
		// plain text: the session applies no voice-settings triple or
		// instructions field for them.
	} else if res.cfg.Emotion != "" && res.cfg.Emotion != "neutral" {
		s.fallback.WarnOnce(s.logger, s.id, s.ttsProviderID, res.cfg.Emotion)
	}

	if s.dedup.seenRecently(text, s.voiceID, res.cfg, time.Now()) {
		s.logger.Debugw("suppressing duplicate tts turn within dedup window", "turn_id", res.turnID)
		s.state.store(StateListening)
		return
	}

	if err := s.caps.CheckRequestText(s.ttsProviderID, len(text)); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message})
		s.state.store(StateListening)
		return
	}
	if err := s.caps.AcquireTTSSlot(s.ttsProviderID); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message})
		s.state.store(StateListening)
		return
	}

	s.state.store(StateSpeaking)
	s.emitEvent(Event{Kind: EventResponseStarted, TurnID: res.turnID})
	select {
	case s.speakCh <- speakRequest{text: text, flush: true, turnID: res.turnID}:
	case <-s.ctx.Done():
	}
}

// forwardAudioOut relays one synthesized frame to the client-facing
// AudioOut channel, dropping on a backpressured consumer rather than
// stalling the driver.
func (s *VoiceSession) forwardAudioOut(f audio.Frame) {
	if s.ttsWatchdog != nil {
		s.ttsWatchdog.Touch()
	}
	select {
	case s.audioOut <- f:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping synthesized audio frame, client consumer backpressured")
	}
}

// handleTTSComplete closes out a Speaking turn: releases the TTS
// concurrency slot, reopens for the next turn, and returns to Listening.
func (s *VoiceSession) handleTTSComplete() {
	if s.State() != StateSpeaking {
		return
	}
	s.caps.ReleaseTTSSlot()
	s.emitEvent(Event{Kind: EventResponseDone})
	s.currentTurn = nil
	s.state.store(StateListening)
}

// bargeIn implements the Speaking -> Interrupted -> Listening edge (spec
// §4.6): the in-flight TTS response is cancelled, any buffered-but-unplayed
// audio is dropped, the cut-short turn is closed, and a fresh turn opens
// before the session settles back into Listening.
func (s *VoiceSession) bargeIn(now time.Time) {
	if s.State() != StateSpeaking {
		return
	}
	s.state.store(StateInterrupted)

	deadline, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
	defer cancel()
	if perr := s.tts.Cancel(deadline); perr != nil {
		s.logger.Warnw("tts cancel on barge-in failed", "error", perr.Error())
	}
	s.caps.ReleaseTTSSlot()
	s.drainPendingAudioOut()
	if s.currentTurn != nil {
		s.currentTurn.Close(now, turn.CauseBargeInCut, nil)
		s.fuser.Reset(s.currentTurn.ID)
	}

	s.openTurn()
	s.state.store(StateListening)
	s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: true, TurnID: s.currentTurn.ID})
}

// drainPendingAudioOut discards any TTS frames already queued for the
// client but not yet sent, so a cancelled response doesn't keep playing
// out after the user has started talking over it.
func (s *VoiceSession) drainPendingAudioOut() {
	for {
		select {
		case <-s.audioOut:
		default:
			return
		}
	}
}

// handleProviderError classifies a provider-reported failure: a retryable
// one (transient transport/timeout/circuit conditions) triggers a
// reconnect; any other, Config included, is surfaced as a non-retryable
// error event and the session is not closed.
func (s *VoiceSession) handleProviderError(kind, providerID string, err *reliability.Error) {
	if err == nil {
		return
	}
	if !err.Retryable() {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: false})
		if kind == "tts" && s.State() == StateSpeaking {
			s.caps.ReleaseTTSSlot()
			s.state.store(StateListening)
		}
		return
	}

	if kind == "tts" && s.State() == StateSpeaking {
		s.caps.ReleaseTTSSlot()
	}

	if s.reconnecting[kind] {
		return // a reconnect attempt for this provider is already in flight
	}
	s.reconnecting[kind] = true
	s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: true})

	// Force-endpoint the in-flight utterance before tearing the STT
	// connection down (spec §4.6 reconnect / scenario S3): close the
	// current turn with a best-effort final stamped with its own turn ID,
	// then let the next turn open fresh, lazily, once audio resumes after
	// reconnecting — mirroring RealtimeSession.handleProviderError.
	if kind == "stt" && s.currentTurn != nil && s.currentTurn.IsOpen() {
		best := turn.Transcript{IsFinal: true, ProviderID: providerID, TurnID: s.currentTurn.ID}
		s.fuser.Observe(&best, false)
		s.emitEvent(Event{Kind: EventTranscript, IsFinal: true, TurnID: best.TurnID})
		s.currentTurn.Close(time.Now(), turn.CauseServerEndpoint, &best)
		s.fuser.Reset(s.currentTurn.ID)
		s.currentTurn = nil
		if s.State() == StateTranscribing {
			s.state.store(StateListening)
		}
	}

	go s.reconnectProvider(kind, providerID)
}

func (s *VoiceSession) reconnectProvider(kind, providerID string) {
	var breaker *reliability.Breaker
	var connect func(context.Context) *provider.ProviderError
	var disconnect func(context.Context) *provider.ProviderError

	if kind == "stt" {
		breaker = s.sttBreaker
		connect = func(ctx context.Context) *provider.ProviderError { return s.stt.Connect(ctx, s.sttConfig) }
		disconnect = s.stt.Disconnect
	} else {
		breaker = s.ttsBreaker
		connect = func(ctx context.Context) *provider.ProviderError { return s.tts.Connect(ctx, s.ttsConfig) }
		disconnect = s.tts.Disconnect
	}

	unaryCtx, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
	_ = disconnect(unaryCtx)
	cancel()

	err := s.connectWithRetry(s.ctx, kind, providerID, breaker, connect)
	select {
	case s.reconnectDoneCh <- reconnectResult{provider: kind, err: err}:
	case <-s.ctx.Done():
	}
}

func (s *VoiceSession) handleReconnectResult(res reconnectResult) {
	delete(s.reconnecting, res.provider)
	if res.err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(res.err.Kind), ErrorMessage: "reconnect exhausted: " + res.err.Message, ErrorRetryable: false})
		go func() { _ = s.Close() }()
		return
	}
	if res.provider == "stt" {
		s.sttWatchdog = reliability.NewIdleWatchdog(s.sttProviderID, s.timeouts.StreamIdle)
		s.watchWatchdog("stt", s.sttWatchdog)
	} else {
		s.ttsWatchdog = reliability.NewIdleWatchdog(s.ttsProviderID, s.timeouts.StreamIdle)
		s.watchWatchdog("tts", s.ttsWatchdog)
	}
	s.logger.Infow("provider reconnected", "provider_kind", res.provider)
}
