package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/audio/controlqueue"
	"github.com/nexavoice/gateway/internal/audio/ring"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/reliability/breakerstore"
	"github.com/nexavoice/gateway/internal/tooldispatch"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/internal/vad"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

// RealtimeSessionConfig carries everything one RealtimeSession needs. The
// provider must already be constructed (typically via internal/registry)
// but not yet connected — RealtimeSession owns its Connect/Disconnect
// lifecycle, exactly like VoiceSessionConfig does for the STT/TTS pair.
type RealtimeSessionConfig struct {
	SessionID string
	Logger    commons.Logger

	Provider   provider.RealtimeProvider
	ProviderID string
	Config     provider.Config
	Endpoint   string

	// Detector is used to derive local speech_start/speech_end edges when
	// the provider does not declare CapServerVAD; ignored otherwise (the
	// provider's own server-side VAD is trusted per spec §4.7).
	Detector     vad.Detector
	SilenceFloor time.Duration

	// Dispatcher, if set, automatically resolves on_function_call events
	// against an MCP tool server and calls FunctionResult itself. If nil,
	// function_call events are only surfaced via Events() and the caller
	// must invoke FunctionResult explicitly.
	Dispatcher *tooldispatch.Dispatcher

	RetryPolicy   reliability.RetryPolicy
	BreakerConfig reliability.BreakerConfig
	BreakerStore  breakerstore.Store
	Timeouts      reliability.Timeouts

	RingCapacity int
}

// RealtimeSession drives the C7 collapsed state machine: Idle -> Starting
// -> Active -> Draining -> Terminated (spec §4.7). It holds exactly one
// provider.RealtimeProvider, never an STT/TTS pair. As in VoiceSession,
// exactly one goroutine — run — mutates session-scoped state; every other
// goroutine only ever writes to one of its bounded channels.
type RealtimeSession struct {
	logger commons.Logger
	id     string

	ctx    context.Context
	cancel context.CancelFunc

	rt         provider.RealtimeProvider
	providerID string
	cfg        provider.Config
	key        breakerstore.Key
	breaker    *reliability.Breaker
	watchdog   *reliability.IdleWatchdog
	serverVAD  bool

	detector     vad.Detector
	turnDetector *vad.TurnDetector

	idSource *turn.IDSource
	fuser    *turn.Fuser

	dispatcher    *tooldispatch.Dispatcher
	inflightCalls singleflight.Group

	retryPolicy reliability.RetryPolicy
	timeouts    reliability.Timeouts

	state realtimeStateHolder

	audioIn     *ring.Buffer
	audioNotify *audio.Notify

	controlQueue  *controlqueue.Queue
	controlRecvCh chan interface{}

	transcriptCh    chan turn.Transcript
	rtAudioCh       chan audio.Frame
	speechEventCh   chan bool
	functionCallCh  chan functionCallMsg
	responseEventCh chan bool
	errCh           chan *provider.ProviderError
	watchdogCh      chan *reliability.Error

	vadFrameCh chan audio.Frame
	vadEventCh chan vadSignal

	commandCh       chan realtimeCommand
	reconnectDoneCh chan *reliability.Error

	events   chan Event
	audioOut chan audio.Frame

	group    *errgroup.Group
	groupCtx context.Context

	closeOnce sync.Once

	// driver-owned only; never touched from another goroutine.
	currentTurn       *turn.Turn
	responseActive    bool
	suppressAudio     bool
	reconnecting      bool
	pendingCloseCause turn.Cause
}

type functionCallMsg struct {
	id, name, argsJSON string
}

type realtimeCommand struct {
	kind   string // "commit_audio", "clear_audio", "create_response", "cancel_response", "send_text", "update_session", "function_result"
	text   string
	delta  provider.Config
	callID string
	result string
}

// NewRealtimeSession constructs and starts a RealtimeSession: its
// background pumps are running and the provider is connecting by the
// time this returns. Mirrors NewVoiceSession's callerCtx/session-context
// split (spec §5 cancellation semantics).
func NewRealtimeSession(callerCtx context.Context, cfg RealtimeSessionConfig) *RealtimeSession {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.Detector == nil {
		cfg.Detector = vad.NewNoOpDetector()
	}
	if cfg.BreakerStore == nil {
		cfg.BreakerStore = breakerstore.NewMemoryStore()
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = reliability.DefaultRetryPolicy()
	}
	if (cfg.BreakerConfig == reliability.BreakerConfig{}) {
		cfg.BreakerConfig = reliability.DefaultBreakerConfig()
	}
	if (cfg.Timeouts == reliability.Timeouts{}) {
		cfg.Timeouts = reliability.DefaultTimeouts()
	}

	logger := cfg.Logger.With("session_id", cfg.SessionID)
	key := breakerstore.Key{ProviderID: cfg.ProviderID, Endpoint: cfg.Endpoint}

	s := &RealtimeSession{
		logger:     logger,
		id:         cfg.SessionID,
		ctx:        ctx,
		cancel:     cancel,
		rt:         cfg.Provider,
		providerID: cfg.ProviderID,
		cfg:        cfg.Config,
		key:        key,
		breaker:    cfg.BreakerStore.Get(key, cfg.BreakerConfig),
		serverVAD:  cfg.Provider.Capabilities().Has(provider.CapServerVAD),

		detector:     cfg.Detector,
		turnDetector: vad.NewTurnDetector(cfg.SilenceFloor),

		idSource: &turn.IDSource{},
		fuser:    turn.NewFuser(),

		dispatcher: cfg.Dispatcher,

		retryPolicy: cfg.RetryPolicy,
		timeouts:    cfg.Timeouts,

		audioIn:     ring.New(cfg.RingCapacity),
		audioNotify: audio.NewNotify(),

		controlQueue:  controlqueue.New(defaultControlQueueSize),
		controlRecvCh: make(chan interface{}, 1),

		transcriptCh:    make(chan turn.Transcript, defaultIngressChannelSize),
		rtAudioCh:       make(chan audio.Frame, defaultIngressChannelSize),
		speechEventCh:   make(chan bool, defaultIngressChannelSize),
		functionCallCh:  make(chan functionCallMsg, defaultEventChannelSize),
		responseEventCh: make(chan bool, 4),
		errCh:           make(chan *provider.ProviderError, 4),
		watchdogCh:      make(chan *reliability.Error, 4),

		vadFrameCh: make(chan audio.Frame, defaultIngressChannelSize),
		vadEventCh: make(chan vadSignal, defaultIngressChannelSize),

		commandCh:       make(chan realtimeCommand, defaultControlQueueSize),
		reconnectDoneCh: make(chan *reliability.Error, 2),

		events:   make(chan Event, defaultEventChannelSize),
		audioOut: make(chan audio.Frame, defaultAudioOutChannelSize),

		group:    group,
		groupCtx: groupCtx,
	}
	s.state.store(RealtimeStarting)

	s.rt.OnTranscript(func(t turn.Transcript) { s.pushTranscript(t) })
	s.rt.OnAudio(func(f audio.Frame) { s.pushRTAudio(f) })
	s.rt.OnSpeechEvent(func(started bool) { s.pushSpeechEvent(started) })
	s.rt.OnFunctionCall(func(id, name, args string) { s.pushFunctionCall(functionCallMsg{id: id, name: name, argsJSON: args}) })
	s.rt.OnResponseEvent(func(done bool) { s.pushResponseEvent(done) })
	s.rt.OnError(func(e *provider.ProviderError) { s.pushErr(e) })

	s.group.Go(s.controlPump)
	s.group.Go(s.ingressPump)
	if !s.serverVAD {
		s.group.Go(s.vadWorker)
	}
	s.group.Go(s.commandPump)
	s.group.Go(s.run)
	go s.watchCallerContext(callerCtx)

	utils.Go(ctx, s.connectInitial)

	return s
}

func (s *RealtimeSession) watchCallerContext(callerCtx context.Context) {
	select {
	case <-callerCtx.Done():
		_ = s.Close()
	case <-s.ctx.Done():
	}
}

func (s *RealtimeSession) controlPump() error {
	for {
		msg, ok := s.controlQueue.Recv(s.groupCtx)
		if !ok {
			return nil
		}
		select {
		case s.controlRecvCh <- msg:
		case <-s.groupCtx.Done():
			return nil
		}
	}
}

func (s *RealtimeSession) pushTranscript(t turn.Transcript) {
	select {
	case s.transcriptCh <- t:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping realtime transcript, downstream backpressured", "provider", s.providerID)
	}
}

func (s *RealtimeSession) pushRTAudio(f audio.Frame) {
	select {
	case s.rtAudioCh <- f:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping realtime audio frame, downstream backpressured", "provider", s.providerID)
	}
}

func (s *RealtimeSession) pushSpeechEvent(started bool) {
	select {
	case s.speechEventCh <- started:
	case <-s.ctx.Done():
	}
}

func (s *RealtimeSession) pushFunctionCall(msg functionCallMsg) {
	select {
	case s.functionCallCh <- msg:
	case <-s.ctx.Done():
	}
}

func (s *RealtimeSession) pushResponseEvent(done bool) {
	select {
	case s.responseEventCh <- done:
	case <-s.ctx.Done():
	}
}

func (s *RealtimeSession) pushErr(e *provider.ProviderError) {
	select {
	case s.errCh <- e:
	case <-s.ctx.Done():
	}
}

// SessionID returns the session's stable identifier.
func (s *RealtimeSession) SessionID() string { return s.id }

// State returns the session's current position in the C7 state machine.
func (s *RealtimeSession) State() RealtimeState { return s.state.load() }

// Events returns the channel of server-facing events a transport adapter
// forwards to the client.
func (s *RealtimeSession) Events() <-chan Event { return s.events }

// AudioOut returns the channel of assistant audio frames a transport
// adapter forwards to the client.
func (s *RealtimeSession) AudioOut() <-chan audio.Frame { return s.audioOut }

// PushClientAudio enqueues one inbound audio frame, identically to
// VoiceSession.PushClientAudio: never blocks, drops the oldest buffered
// frame at capacity.
func (s *RealtimeSession) PushClientAudio(frame audio.Frame) {
	s.audioIn.Push(frame)
	s.audioNotify.Signal()
}

// PushClientText enqueues a client-typed utterance (spec §6 "text"
// control message), enforcing the fixed 50KB inbound text limit.
func (s *RealtimeSession) PushClientText(text string) error {
	if err := reliability.CheckRealtimeText(s.providerID, len(text)); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message})
		return err
	}
	return s.controlQueue.TrySend(realtimeCommand{kind: "send_text", text: text})
}

// CommitAudio requests the provider treat buffered input audio as a
// completed turn (spec §6 "commit_audio").
func (s *RealtimeSession) CommitAudio() error {
	return s.controlQueue.TrySend(realtimeCommand{kind: "commit_audio"})
}

// ClearAudio discards the provider's buffered input audio (spec §6
// "clear_audio").
func (s *RealtimeSession) ClearAudio() error {
	return s.controlQueue.TrySend(realtimeCommand{kind: "clear_audio"})
}

// CreateResponse requests the provider begin generating a response (spec
// §6 "create_response").
func (s *RealtimeSession) CreateResponse() error {
	return s.controlQueue.TrySend(realtimeCommand{kind: "create_response"})
}

// CancelResponse cuts the in-progress response short — the explicit
// analogue of a VAD-detected barge-in (spec §6 "cancel_response").
func (s *RealtimeSession) CancelResponse() error {
	return s.controlQueue.TrySend(realtimeCommand{kind: "cancel_response"})
}

// FunctionResult answers a previously surfaced function_call event (spec
// §6 "function_result"), enforcing the fixed 100KB limit. Callers that
// configured a Dispatcher normally never need this — RealtimeSession
// calls it automatically once the dispatcher resolves the tool call.
func (s *RealtimeSession) FunctionResult(id, resultJSON string) error {
	if err := reliability.CheckRealtimeFunctionResult(s.providerID, len(resultJSON)); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message})
		return err
	}
	return s.controlQueue.TrySend(realtimeCommand{kind: "function_result", callID: id, result: resultJSON})
}

// UpdateSession applies delta to the provider's live session
// configuration (spec §6 "update_session"), enforcing the fixed 100KB
// instructions limit when delta carries one.
func (s *RealtimeSession) UpdateSession(delta provider.Config) error {
	if instr, ok := delta["instructions"].(string); ok {
		if err := reliability.CheckRealtimeInstructions(s.providerID, len(instr)); err != nil {
			s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message})
			return err
		}
	}
	return s.controlQueue.TrySend(realtimeCommand{kind: "update_session", delta: delta})
}

// Close terminates the session: the provider is disconnected, every
// background pump exits (group.Wait blocks until they do), and after
// Close returns no callback or event will ever fire for this session
// again (spec §5 cancellation semantics). Idempotent.
func (s *RealtimeSession) Close() error {
	s.closeOnce.Do(func() {
		s.state.store(RealtimeDraining)
		s.emitEvent(Event{Kind: EventClosing})

		unaryCtx, cancel := s.timeouts.WithUnaryDeadline(context.Background())
		_ = s.rt.Disconnect(unaryCtx)
		cancel()

		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.controlQueue.Close()
		s.cancel()
		_ = s.group.Wait()
		s.state.store(RealtimeTerminated)
	})
	return nil
}

func (s *RealtimeSession) emitEvent(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping realtime session event, client consumer backpressured", "kind", ev.Kind)
	}
}

// ingressPump drains buffered client audio to the provider while
// connected, mirroring VoiceSession.ingressPump. When the local detector
// is in play (no server_vad), every frame is also fanned out to the VAD
// worker.
func (s *RealtimeSession) ingressPump() error {
	for {
		select {
		case <-s.groupCtx.Done():
			return nil
		case <-s.audioNotify.Chan():
		}

		if s.rt.State() != provider.StateConnected {
			continue
		}

		for {
			frame, ok := s.audioIn.Pop()
			if !ok {
				break
			}
			if s.watchdog != nil {
				s.watchdog.Touch()
			}
			if !s.serverVAD {
				select {
				case s.vadFrameCh <- frame:
				case <-s.groupCtx.Done():
					return nil
				}
			}
			if perr := s.rt.SendAudio(s.ctx, frame); perr != nil {
				s.pushErr(perr)
			}
		}
	}
}

// vadWorker only runs when the provider lacks CapServerVAD: C4 is
// interposed before forwarding speech boundaries to the driver (spec
// §4.7 "otherwise C4 is interposed before forwarding audio").
func (s *RealtimeSession) vadWorker() error {
	for {
		select {
		case <-s.groupCtx.Done():
			return nil
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
			case <-s.groupCtx.Done():
				return nil
			}
		}
	}
}

// commandPump owns the actual provider method calls that correspond to
// client control messages, so the driver goroutine never blocks on
// provider network I/O — the same separation VoiceSession keeps between
// run and ttsIngressPump/doSpeak.
func (s *RealtimeSession) commandPump() error {
	for {
		select {
		case <-s.groupCtx.Done():
			return nil
		case cmd := <-s.commandCh:
			s.doCommand(cmd)
		}
	}
}

func (s *RealtimeSession) doCommand(cmd realtimeCommand) {
	deadline, cancel := s.timeouts.WithUnaryDeadline(s.ctx)
	defer cancel()

	var perr *provider.ProviderError
	switch cmd.kind {
	case "send_text":
		perr = s.rt.SendText(deadline, cmd.text)
	case "commit_audio":
		perr = s.rt.CommitAudio(deadline)
	case "clear_audio":
		perr = s.rt.ClearAudio(deadline)
	case "create_response":
		perr = s.rt.CreateResponse(deadline)
	case "cancel_response":
		perr = s.rt.CancelResponse(deadline)
	case "update_session":
		perr = s.rt.UpdateSession(deadline, cmd.delta)
	case "function_result":
		perr = s.rt.FunctionResult(deadline, cmd.callID, cmd.result)
	}
	if perr != nil {
		s.pushErr(perr)
	}
}
