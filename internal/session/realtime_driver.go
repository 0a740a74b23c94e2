package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/internal/vad"
)

// run is the single state-machine-driver goroutine for the C7 collapsed
// machine (spec §5/§4.7): the only goroutine that ever reads or writes
// currentTurn, responseActive/suppressAudio, or reconnect bookkeeping.
func (s *RealtimeSession) run() error {
	ticker := time.NewTicker(turnCompletionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-s.groupCtx.Done():
			return nil

		case cmd := <-s.controlRecvCh:
			s.handleControl(cmd.(realtimeCommand))

		case t := <-s.transcriptCh:
			s.handleTranscript(t)

		case f := <-s.rtAudioCh:
			s.forwardAudioOut(f)

		case started := <-s.speechEventCh:
			s.handleProviderSpeechEvent(started)

		case sig := <-s.vadEventCh:
			s.handleLocalVADSignal(sig)

		case msg := <-s.functionCallCh:
			s.handleFunctionCall(msg)

		case done := <-s.responseEventCh:
			s.handleResponseEvent(done)

		case err := <-s.errCh:
			s.handleProviderError(err)

		case err := <-s.watchdogCh:
			s.handleProviderError(err)

		case err := <-s.reconnectDoneCh:
			s.handleReconnectResult(err)

		case <-ticker.C:
			if !s.serverVAD && s.State() == RealtimeActive && s.currentTurn != nil && s.turnDetector.IsTurnComplete(time.Now()) {
				s.autoAdvanceTurn()
			}
		}
	}
}

func (s *RealtimeSession) openTurn() {
	s.currentTurn = turn.NewTurn(s.idSource, time.Now())
	s.fuser.SetCurrentTurn(s.currentTurn.ID)
	s.turnDetector.Reset()
}

// connectInitial connects the realtime provider before the session
// leaves Starting.
func (s *RealtimeSession) connectInitial() {
	if err := s.connectWithRetry(s.ctx); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: err.Retryable()})
		_ = s.Close()
		return
	}
	s.watchdog = reliability.NewIdleWatchdog(s.providerID, s.timeouts.StreamIdle)
	s.watchWatchdog()
	s.state.store(RealtimeActive)
	s.emitEvent(Event{Kind: EventSessionCreated})
}

func (s *RealtimeSession) connectWithRetry(ctx context.Context) *reliability.Error {
	var lastErr *reliability.Error
	err := s.retryPolicy.Do(ctx, func(ctx context.Context) error {
		if !s.breaker.Allow() {
			lastErr = reliability.New(reliability.KindCircuitOpen, s.providerID, "realtime breaker open")
			return lastErr
		}
		deadline, cancel := s.timeouts.WithConnectDeadline(ctx)
		defer cancel()
		if perr := s.rt.Connect(deadline, s.cfg); perr != nil {
			s.breaker.RecordFailure()
			lastErr = perr
			return perr
		}
		s.breaker.RecordSuccess()
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

func (s *RealtimeSession) watchWatchdog() {
	w := s.watchdog
	go func() {
		select {
		case err := <-w.Fired():
			select {
			case s.watchdogCh <- err:
			case <-s.ctx.Done():
			}
		case <-s.ctx.Done():
		}
	}()
}

// handleControl applies one client control message. Only called from run.
func (s *RealtimeSession) handleControl(cmd realtimeCommand) {
	switch cmd.kind {
	case "send_text":
		if s.currentTurn == nil {
			s.openTurn()
		}
		s.turnDetector.ReportTranscript(cmd.text)
		select {
		case s.commandCh <- cmd:
		case <-s.ctx.Done():
		}

	case "commit_audio":
		s.pendingCloseCause = turn.CauseClientCommit
		select {
		case s.commandCh <- cmd:
		case <-s.ctx.Done():
		}

	case "clear_audio", "create_response":
		select {
		case s.commandCh <- cmd:
		case <-s.ctx.Done():
		}

	case "cancel_response":
		s.bargeIn(time.Now())

	case "update_session":
		select {
		case s.commandCh <- cmd:
		case <-s.ctx.Done():
		}
		s.emitEvent(Event{Kind: EventSessionUpdated})

	case "function_result":
		select {
		case s.commandCh <- cmd:
		case <-s.ctx.Done():
		}
	}
}

// handleTranscript applies turn fusion to one realtime transcript event
// and, once a final transcript closes the current turn, clears
// currentTurn so the next speech/text opens a fresh one.
func (s *RealtimeSession) handleTranscript(t turn.Transcript) {
	if s.currentTurn == nil {
		s.openTurn()
	}

	backpressured := len(s.events) == cap(s.events)
	outcome := s.fuser.Observe(&t, backpressured)
	if outcome == turn.OutcomeDropRevision {
		return
	}

	s.turnDetector.ReportTranscript(t.Text)
	s.emitEvent(Event{Kind: EventTranscript, Text: t.Text, IsFinal: t.IsFinal, TurnID: t.TurnID})

	if t.IsFinal {
		cause := s.pendingCloseCause
		if cause == "" {
			cause = turn.CauseVADEndOfTurn
		}
		s.currentTurn.Close(time.Now(), cause, &t)
		s.fuser.Reset(s.currentTurn.ID)
		s.currentTurn = nil
		s.pendingCloseCause = ""
	}
}

// handleProviderSpeechEvent interprets the provider's own server-side VAD
// edges, trusted in place of C4 when CapServerVAD is declared (spec §4.7).
func (s *RealtimeSession) handleProviderSpeechEvent(started bool) {
	if !s.serverVAD {
		return
	}
	now := time.Now()
	if started {
		if s.responseActive {
			s.bargeIn(now)
			return
		}
		if s.currentTurn == nil {
			s.openTurn()
		}
		s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: true, TurnID: s.currentTurn.ID})
		return
	}
	if s.currentTurn != nil {
		s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: false, TurnID: s.currentTurn.ID})
	}
}

// handleLocalVADSignal interprets C4 speech boundaries when the provider
// lacks CapServerVAD (spec §4.7 "otherwise C4 is interposed").
func (s *RealtimeSession) handleLocalVADSignal(sig vadSignal) {
	now := time.Now()
	for _, ev := range sig.events {
		s.turnDetector.ObserveSpeechEvent(ev, now)
		switch ev.Kind {
		case vad.SpeechStarted:
			if s.responseActive {
				s.bargeIn(now)
				continue
			}
			if s.currentTurn == nil {
				s.openTurn()
			}
			s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: true, TurnID: s.currentTurn.ID})
		case vad.SpeechEnded:
			if s.currentTurn != nil {
				s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: false, TurnID: s.currentTurn.ID})
			}
		}
	}
}

// autoAdvanceTurn closes out a locally-detected turn by committing
// buffered input audio and asking the provider to respond — necessary
// only when the provider has no server-side VAD of its own to do this
// automatically.
func (s *RealtimeSession) autoAdvanceTurn() {
	select {
	case s.commandCh <- realtimeCommand{kind: "commit_audio"}:
	case <-s.ctx.Done():
		return
	}
	select {
	case s.commandCh <- realtimeCommand{kind: "create_response"}:
	case <-s.ctx.Done():
	}
	s.turnDetector.Reset()
}

// handleFunctionCall surfaces a provider function/tool call verbatim
// (spec §4.7) and, if a Dispatcher is configured, resolves it
// automatically off the driver goroutine.
func (s *RealtimeSession) handleFunctionCall(msg functionCallMsg) {
	s.emitEvent(Event{Kind: EventFunctionCall, FunctionCallID: msg.id, FunctionName: msg.name, FunctionArgsJSON: msg.argsJSON})
	if s.dispatcher == nil {
		return
	}
	go s.autoDispatch(msg)
}

// autoDispatch resolves one function call through the configured
// Dispatcher. singleflight collapses concurrent dispatches of the same
// call ID, so a function_call frame redelivered while the first dispatch
// is still in flight does not run the tool twice; a redelivery after that
// dispatch has returned runs the tool again.
func (s *RealtimeSession) autoDispatch(msg functionCallMsg) {
	v, err, _ := s.inflightCalls.Do(msg.id, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeouts.Unary)
		defer cancel()
		result, derr := s.dispatcher.Call(ctx, msg.name, msg.argsJSON)
		if derr != nil {
			return "", derr
		}
		return result, nil
	})

	var resultJSON string
	if err != nil {
		resultJSON = fmt.Sprintf(`{"error":%q}`, err.Error())
	} else {
		resultJSON, _ = v.(string)
	}
	_ = s.FunctionResult(msg.id, resultJSON)
}

// handleResponseEvent tracks the provider's response lifecycle: audio
// suppression from a prior barge-in is lifted once a fresh response
// actually starts producing frames.
func (s *RealtimeSession) handleResponseEvent(done bool) {
	if !done {
		s.responseActive = true
		s.suppressAudio = false
		s.emitEvent(Event{Kind: EventResponseStarted})
		return
	}
	s.responseActive = false
	s.emitEvent(Event{Kind: EventResponseDone})
}

// forwardAudioOut relays one assistant audio frame to the client-facing
// AudioOut channel unless barge-in has suppressed this turn's output
// (global invariant 2: no TTS-output frame is delivered while barge-in is
// in effect for the current turn).
func (s *RealtimeSession) forwardAudioOut(f audio.Frame) {
	if s.watchdog != nil {
		s.watchdog.Touch()
	}
	if s.suppressAudio {
		return
	}
	select {
	case s.audioOut <- f:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping realtime audio frame, client consumer backpressured")
	}
}

func (s *RealtimeSession) drainPendingAudioOut() {
	for {
		select {
		case <-s.audioOut:
		default:
			return
		}
	}
}

// bargeIn implements the Active barge-in edge (spec §4.7): cancel_response
// + clear_audio on the provider, drop any buffered outbound audio, close
// the cut-short turn, and open a fresh one.
func (s *RealtimeSession) bargeIn(now time.Time) {
	if !s.responseActive {
		return
	}
	s.suppressAudio = true
	select {
	case s.commandCh <- realtimeCommand{kind: "cancel_response"}:
	case <-s.ctx.Done():
	}
	select {
	case s.commandCh <- realtimeCommand{kind: "clear_audio"}:
	case <-s.ctx.Done():
	}
	s.drainPendingAudioOut()
	s.responseActive = false

	if s.currentTurn != nil {
		s.currentTurn.Close(now, turn.CauseBargeInCut, nil)
		s.fuser.Reset(s.currentTurn.ID)
	}
	s.openTurn()
	s.emitEvent(Event{Kind: EventSpeech, SpeechStarted: true, TurnID: s.currentTurn.ID})
}

// handleProviderError classifies a provider-reported failure: a
// non-retryable error is surfaced and left for the caller to decide on;
// a retryable one force-endpoints the in-flight turn with a best-effort
// final, preserves the turn ID lineage, and reconnects under retry+breaker
// (spec §4.6/§4.7 reconnect semantics, collapsed to the single provider).
func (s *RealtimeSession) handleProviderError(err *reliability.Error) {
	if err == nil {
		return
	}
	if !err.Retryable() {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: false})
		return
	}
	s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message, ErrorRetryable: true})

	if s.currentTurn != nil {
		best := turn.Transcript{IsFinal: true, ProviderID: s.providerID, TurnID: s.currentTurn.ID}
		s.fuser.Observe(&best, false)
		s.emitEvent(Event{Kind: EventTranscript, IsFinal: true, TurnID: best.TurnID})
		s.currentTurn.Close(time.Now(), turn.CauseServerEndpoint, &best)
		s.fuser.Reset(s.currentTurn.ID)
		s.currentTurn = nil
	}
	s.responseActive = false
	s.suppressAudio = true

	if s.reconnecting {
		return
	}
	s.reconnecting = true
	go s.reconnectProvider()
}

func (s *RealtimeSession) reconnectProvider() {
	unaryCtx, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
	_ = s.rt.Disconnect(unaryCtx)
	cancel()

	err := s.connectWithRetry(s.ctx)
	select {
	case s.reconnectDoneCh <- err:
	case <-s.ctx.Done():
	}
}

func (s *RealtimeSession) handleReconnectResult(err *reliability.Error) {
	s.reconnecting = false
	s.suppressAudio = false
	if err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: "reconnect exhausted: " + err.Message, ErrorRetryable: false})
		go func() { _ = s.Close() }()
		return
	}
	s.watchdog = reliability.NewIdleWatchdog(s.providerID, s.timeouts.StreamIdle)
	s.watchWatchdog()
	s.logger.Infow("realtime provider reconnected", "provider_id", s.providerID)
}
