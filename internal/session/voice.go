package session

import (
	"context"
	"sync"
	"time"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/audio/controlqueue"
	"github.com/nexavoice/gateway/internal/audio/ring"
	"github.com/nexavoice/gateway/internal/emotion"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/reliability/breakerstore"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/internal/vad"
	"github.com/nexavoice/gateway/pkg/commons"
	"github.com/nexavoice/gateway/pkg/utils"
)

// ResponseFunc is the external application logic a VoiceSession calls once
// a user turn's final transcript is available. It returns the text to
// speak back and the emotion/pronunciation delivery to speak it with.
// Spec §4.6: "Thinking -> Speaking when external application logic
// returns response text."
type ResponseFunc func(ctx context.Context, turnID uint64, userText string) (responseText string, cfg emotion.Config, err error)

const (
	defaultIngressChannelSize = 64
	defaultControlQueueSize   = 16
	defaultEventChannelSize   = 32
	defaultAudioOutChannelSize = 64
	defaultRingCapacity       = 256
	defaultSpeakQueueSize     = 4
)

// VoiceSessionConfig carries everything one VoiceSession needs. STT and
// TTS must already be constructed (typically via internal/registry) but
// not yet connected — VoiceSession owns their Connect/Disconnect lifecycle.
type VoiceSessionConfig struct {
	SessionID string
	Logger    commons.Logger

	STT           provider.STTProvider
	STTProviderID string
	STTConfig     provider.Config
	STTEndpoint   string // breaker/key scoping, e.g. "stt:streaming"

	TTS           provider.TTSProvider
	TTSProviderID string
	TTSConfig     provider.Config
	TTSEndpoint   string
	VoiceID       string // identifies the voice for TTS fingerprint dedup

	// Detector is the acoustic VAD backend; NewNoOpDetector() if nil.
	Detector     vad.Detector
	SilenceFloor time.Duration

	Responder ResponseFunc

	RetryPolicy   reliability.RetryPolicy
	BreakerConfig reliability.BreakerConfig
	BreakerStore  breakerstore.Store
	Timeouts      reliability.Timeouts
	Caps          *reliability.Caps

	DedupWindow time.Duration

	FallbackTracker *emotion.FallbackTracker

	RingCapacity int
}

// VoiceSession drives the C6 state machine: Idle -> Starting -> Listening
// -> Transcribing -> Thinking -> Speaking -> Listening, with the
// Speaking -> Interrupted -> Listening barge-in edge and a *->Draining->
// Terminated shutdown path (spec §4.6). Exactly one goroutine — run — ever
// mutates session-scoped state (current turn, dedup table, reconnect
// flags); every other goroutine below communicates with it over a bounded
// channel, the discipline spec §5 requires.
type VoiceSession struct {
	logger commons.Logger
	id     string

	ctx    context.Context
	cancel context.CancelFunc

	stt           provider.STTProvider
	sttProviderID string
	sttConfig     provider.Config
	sttKey        breakerstore.Key
	sttBreaker    *reliability.Breaker
	sttWatchdog   *reliability.IdleWatchdog

	tts           provider.TTSProvider
	ttsProviderID string
	ttsConfig     provider.Config
	ttsKey        breakerstore.Key
	ttsBreaker    *reliability.Breaker
	ttsWatchdog   *reliability.IdleWatchdog
	voiceID       string

	detector     vad.Detector
	turnDetector *vad.TurnDetector

	idSource *turn.IDSource
	fuser    *turn.Fuser

	retryPolicy reliability.RetryPolicy
	timeouts    reliability.Timeouts
	caps        *reliability.Caps
	dedup       *ttsDedup
	emoMapper   *emotion.Mapper
	fallback    *emotion.FallbackTracker
	responder   ResponseFunc

	state stateHolder

	// audio ingress: client mic frames wait here during Reconnecting and
	// are drained by ingressPump once the STT provider is Connected again.
	audioIn     *ring.Buffer
	audioNotify *audio.Notify

	controlQueue   *controlqueue.Queue
	controlRecvCh  chan interface{}

	sttResultCh chan turn.Transcript
	sttErrCh    chan *provider.ProviderError
	vadFrameCh  chan audio.Frame
	vadEventCh  chan vadSignal

	speakCh       chan speakRequest
	ttsAudioCh    chan audio.Frame
	ttsCompleteCh chan struct{}
	ttsErrCh      chan *provider.ProviderError

	watchdogCh chan watchdogFired

	thinkingResultCh chan thinkingResult
	reconnectDoneCh  chan reconnectResult

	events   chan Event
	audioOut chan audio.Frame

	closeOnce sync.Once

	// driver-owned only; never touched from another goroutine.
	currentTurn  *turn.Turn
	reconnecting map[string]bool
}

type speakRequest struct {
	text    string
	flush   bool
	turnID  uint64
}

type vadSignal struct {
	events []vad.SpeechEvent
}

type watchdogFired struct {
	provider string
	err      *reliability.Error
}

type thinkingResult struct {
	turnID uint64
	text   string
	cfg    emotion.Config
	err    error
}

type reconnectResult struct {
	provider string
	err      *reliability.Error
}

type ctrlText struct{ text string }
type ctrlCommit struct{}
type ctrlCancel struct{}
type ctrlUpdateConfig struct{ delta provider.Config }

// NewVoiceSession constructs and starts a VoiceSession: its background
// pumps are running and providers are connecting by the time this
// returns. callerCtx's cancellation triggers a graceful Close, but the
// session's own context is independent so cleanup always runs to
// completion (mirrors the teacher's NewWebRTCStreamer/watchCallerContext
// split).
func NewVoiceSession(callerCtx context.Context, cfg VoiceSessionConfig) *VoiceSession {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.Detector == nil {
		cfg.Detector = vad.NewNoOpDetector()
	}
	if cfg.BreakerStore == nil {
		cfg.BreakerStore = breakerstore.NewMemoryStore()
	}
	if cfg.Caps == nil {
		cfg.Caps = reliability.DefaultCaps()
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
	if cfg.FallbackTracker == nil {
		cfg.FallbackTracker = emotion.NewFallbackTracker()
	}

	logger := cfg.Logger.With("session_id", cfg.SessionID)

	s := &VoiceSession{
		logger:        logger,
		id:            cfg.SessionID,
		ctx:           ctx,
		cancel:        cancel,
		stt:           cfg.STT,
		sttProviderID: cfg.STTProviderID,
		sttConfig:     cfg.STTConfig,
		sttKey:        breakerstore.Key{ProviderID: cfg.STTProviderID, Endpoint: cfg.STTEndpoint},
		sttBreaker:    cfg.BreakerStore.Get(breakerstore.Key{ProviderID: cfg.STTProviderID, Endpoint: cfg.STTEndpoint}, cfg.BreakerConfig),
		tts:           cfg.TTS,
		ttsProviderID: cfg.TTSProviderID,
		ttsConfig:     cfg.TTSConfig,
		ttsKey:        breakerstore.Key{ProviderID: cfg.TTSProviderID, Endpoint: cfg.TTSEndpoint},
		ttsBreaker:    cfg.BreakerStore.Get(breakerstore.Key{ProviderID: cfg.TTSProviderID, Endpoint: cfg.TTSEndpoint}, cfg.BreakerConfig),
		voiceID:       cfg.VoiceID,
		detector:      cfg.Detector,
		turnDetector:  vad.NewTurnDetector(cfg.SilenceFloor),
		idSource:      &turn.IDSource{},
		fuser:         turn.NewFuser(),
		retryPolicy:   cfg.RetryPolicy,
		timeouts:      cfg.Timeouts,
		caps:          cfg.Caps,
		dedup:         newTTSDedup(cfg.DedupWindow),
		emoMapper:     emotion.NewMapper(),
		fallback:      cfg.FallbackTracker,
		responder:     cfg.Responder,

		audioIn:     ring.New(cfg.RingCapacity),
		audioNotify: audio.NewNotify(),

		controlQueue:  controlqueue.New(defaultControlQueueSize),
		controlRecvCh: make(chan interface{}, 1),

		sttResultCh: make(chan turn.Transcript, defaultIngressChannelSize),
		sttErrCh:    make(chan *provider.ProviderError, 4),
		vadFrameCh:  make(chan audio.Frame, defaultIngressChannelSize),
		vadEventCh:  make(chan vadSignal, defaultIngressChannelSize),

		speakCh:       make(chan speakRequest, defaultSpeakQueueSize),
		ttsAudioCh:    make(chan audio.Frame, defaultIngressChannelSize),
		ttsCompleteCh: make(chan struct{}, 1),
		ttsErrCh:      make(chan *provider.ProviderError, 4),

		watchdogCh: make(chan watchdogFired, 4),

		thinkingResultCh: make(chan thinkingResult, 1),
		reconnectDoneCh:  make(chan reconnectResult, 2),

		events:   make(chan Event, defaultEventChannelSize),
		audioOut: make(chan audio.Frame, defaultAudioOutChannelSize),

		reconnecting: make(map[string]bool),
	}
	s.state.store(StateStarting)

	s.stt.OnResult(func(t turn.Transcript) { s.pushSTTResult(t) })
	s.stt.OnError(func(e *provider.ProviderError) { s.pushSTTError(e) })
	s.tts.OnAudio(func(f audio.Frame) { s.pushTTSAudio(f) })
	s.tts.OnComplete(func() { s.pushTTSComplete() })
	s.tts.OnError(func(e *provider.ProviderError) { s.pushTTSError(e) })

	go s.controlPump()
	go s.ingressPump()
	go s.vadWorker()
	go s.ttsIngressPump()
	go s.run()
	go s.watchCallerContext(callerCtx)

	utils.Go(ctx, s.connectInitial)

	return s
}

// watchCallerContext mirrors the teacher's streamer: the session's own
// context is independent of the caller's, so a cancelled caller context
// triggers a graceful Close rather than an abrupt mid-cleanup cancellation.
func (s *VoiceSession) watchCallerContext(callerCtx context.Context) {
	select {
	case <-callerCtx.Done():
		_ = s.Close()
	case <-s.ctx.Done():
	}
}

// controlPump bridges controlQueue's blocking Recv into the driver's
// select loop, the same bridging shape as the teacher's runGrpcReader.
func (s *VoiceSession) controlPump() {
	for {
		msg, ok := s.controlQueue.Recv(s.ctx)
		if !ok {
			return
		}
		select {
		case s.controlRecvCh <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *VoiceSession) pushSTTResult(t turn.Transcript) {
	select {
	case s.sttResultCh <- t:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping stt transcript, downstream backpressured", "provider", s.sttProviderID)
	}
}

func (s *VoiceSession) pushSTTError(e *provider.ProviderError) {
	select {
	case s.sttErrCh <- e:
	case <-s.ctx.Done():
	}
}

func (s *VoiceSession) pushTTSAudio(f audio.Frame) {
	select {
	case s.ttsAudioCh <- f:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping tts audio frame, downstream backpressured", "provider", s.ttsProviderID)
	}
}

func (s *VoiceSession) pushTTSComplete() {
	select {
	case s.ttsCompleteCh <- struct{}{}:
	case <-s.ctx.Done():
	default:
	}
}

func (s *VoiceSession) pushTTSError(e *provider.ProviderError) {
	select {
	case s.ttsErrCh <- e:
	case <-s.ctx.Done():
	}
}

// SessionID returns the session's stable identifier.
func (s *VoiceSession) SessionID() string { return s.id }

// State returns the session's current position in the C6 state machine.
func (s *VoiceSession) State() State { return s.state.load() }

// Events returns the channel of server-facing events (transcripts, speech
// boundaries, errors) a transport adapter forwards to the client.
func (s *VoiceSession) Events() <-chan Event { return s.events }

// AudioOut returns the channel of synthesized audio frames a transport
// adapter forwards to the client.
func (s *VoiceSession) AudioOut() <-chan audio.Frame { return s.audioOut }

// PushClientAudio enqueues one inbound audio frame. Never blocks: at
// capacity the oldest buffered frame is dropped, and while the STT
// provider is Reconnecting frames simply accumulate up to that capacity
// (spec §4.6 "Reconnect logic ... hold audio in the ring buffer up to its
// capacity").
func (s *VoiceSession) PushClientAudio(frame audio.Frame) {
	if err := s.caps.CheckRingBufferBytes(s.sttProviderID, s.audioIn.Len()*len(frame.Data), len(frame.Data)); err != nil {
		s.emitEvent(Event{Kind: EventError, ErrorCode: string(err.Kind), ErrorMessage: err.Message})
		return
	}
	s.audioIn.Push(frame)
	s.audioNotify.Signal()
}

// PushClientText enqueues a client-typed utterance, standing in for audio
// input for this turn.
func (s *VoiceSession) PushClientText(text string) error {
	return s.controlQueue.TrySend(ctrlText{text: text})
}

// Commit forces the current turn to end now, as if VAD had observed
// sufficient trailing silence.
func (s *VoiceSession) Commit() error {
	return s.controlQueue.TrySend(ctrlCommit{})
}

// CancelResponse requests the in-progress TTS response be cut short — the
// explicit analogue of a VAD-detected barge-in.
func (s *VoiceSession) CancelResponse() error {
	return s.controlQueue.TrySend(ctrlCancel{})
}

// UpdateConfig applies delta to the STT provider's live configuration;
// the TTS provider's configuration is not changed.
func (s *VoiceSession) UpdateConfig(delta provider.Config) error {
	return s.controlQueue.TrySend(ctrlUpdateConfig{delta: delta})
}

// Close terminates the session: both providers are disconnected, every
// background pump exits, and after Close returns no callback or event
// will fire for this session again (spec §5 cancellation semantics).
// Idempotent.
func (s *VoiceSession) Close() error {
	s.closeOnce.Do(func() {
		s.state.store(StateDraining)
		s.emitEvent(Event{Kind: EventClosing})

		unaryCtx, cancel := s.timeouts.WithUnaryDeadline(context.Background())
		_ = s.stt.Disconnect(unaryCtx)
		_ = s.tts.Disconnect(unaryCtx)
		cancel()

		if s.sttWatchdog != nil {
			s.sttWatchdog.Stop()
		}
		if s.ttsWatchdog != nil {
			s.ttsWatchdog.Stop()
		}
		s.controlQueue.Close()
		s.cancel()
		s.state.store(StateTerminated)
	})
	return nil
}

func (s *VoiceSession) emitEvent(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("dropping session event, client consumer backpressured", "kind", ev.Kind)
	}
}
