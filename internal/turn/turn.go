// Package turn defines the session-facing Transcript and Turn data model
// (spec §3) and the fusion logic that merges partial/final transcripts
// from providers with divergent immutability semantics into one canonical
// per-turn stream. Turn IDs are per-session counters (IDSource); each
// Turn also carries a UUID minted with github.com/google/uuid so it can
// be correlated across logs, client events, and provider callbacks
// without the core depending on any storage layer.
package turn

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Cause enumerates why a Turn closed.
type Cause string

const (
	CauseVADSilence     Cause = "vad_silence"
	CauseVADEndOfTurn   Cause = "vad_end_of_turn"
	CauseClientCommit   Cause = "client_commit"
	CauseServerEndpoint Cause = "server_endpoint"
	CauseBargeInCut     Cause = "barge_in_cut"
)

// Word is one recognized word within a Transcript, with its own timing
// and confidence.
type Word struct {
	Text       string
	StartMs    float64
	EndMs      float64
	Confidence float64
}

// Transcript is a provider's recognition result for a turn, partial or
// final. Invariant (spec §3): within a session, at most one transcript
// with IsFinal=true is ever emitted downstream per TurnID; partials for
// that TurnID arrive in non-decreasing EndMs order and are superseded,
// never revised, once the final is emitted.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	StartMs    float64
	EndMs      float64
	Words      []Word
	Language   string
	ProviderID string
	TurnID     uint64
}

// Turn is one user-or-assistant speaking interval bounded by endpoints.
// A turn is open iff OpenedAt is set and ClosedAt is not.
type Turn struct {
	ID                 uint64
	UUID               string
	OpenedAt           time.Time
	ClosedAt           time.Time
	Cause              Cause
	FinalizedTranscript *Transcript
}

// IsOpen reports whether the turn has not yet closed.
func (t *Turn) IsOpen() bool {
	return !t.OpenedAt.IsZero() && t.ClosedAt.IsZero()
}

// IDSource mints strictly monotonic, never-reused turn IDs for one
// session, including across reconnects — spec invariant 3 in §3.
type IDSource struct {
	counter atomic.Uint64
}

// Next returns the next turn ID, starting at 1.
func (s *IDSource) Next() uint64 {
	return s.counter.Add(1)
}

// NewTurn opens a fresh turn with the next ID from src, tagged with a
// fresh UUID for cross-system correlation.
func NewTurn(src *IDSource, now time.Time) *Turn {
	return &Turn{
		ID:       src.Next(),
		UUID:     uuid.NewString(),
		OpenedAt: now,
	}
}

// Close marks t closed with cause at now. finalized, if non-nil, is
// recorded as the turn's finalized transcript.
func (t *Turn) Close(now time.Time, cause Cause, finalized *Transcript) {
	t.ClosedAt = now
	t.Cause = cause
	t.FinalizedTranscript = finalized
}

// Fuser merges partial/final transcripts from a provider into the
// canonical single-final-per-turn stream described in spec §4.6 "Turn
// fusion": providers differ in whether their transcripts are immutable
// (AssemblyAI-class) or revisable partials. The Fuser stamps every
// incoming transcript with the current turn ID, forwards exactly one
// final per turn, drops post-final revisions (counting them), and
// coalesces partials when downstream reports backpressure.
type Fuser struct {
	currentTurnID    uint64
	finalizedTurns   map[uint64]bool
	droppedRevisions atomic.Uint64
	coalescedPartial atomic.Uint64
}

// NewFuser returns a Fuser with no turns finalized yet.
func NewFuser() *Fuser {
	return &Fuser{finalizedTurns: make(map[uint64]bool)}
}

// SetCurrentTurn stamps subsequent Observe calls with turnID — called by
// the session state machine whenever it opens a new turn.
func (f *Fuser) SetCurrentTurn(turnID uint64) {
	f.currentTurnID = turnID
}

// Outcome reports what Observe decided to do with an incoming transcript.
type Outcome int

const (
	// OutcomeForward means the transcript should be delivered downstream.
	OutcomeForward Outcome = iota
	// OutcomeDropRevision means a final was already delivered for this
	// turn and this (stale) revision must be discarded.
	OutcomeDropRevision
	// OutcomeCoalesce means a prior undelivered partial for this turn
	// should be replaced by this one rather than both being forwarded,
	// because the downstream consumer is backpressured.
	OutcomeCoalesce
)

// Observe stamps t with the current turn ID and decides whether it
// should be forwarded, dropped as a post-final revision, or coalesced
// with a still-buffered partial. backpressured reflects whether the
// downstream sink reported it cannot keep up (a ring/queue try-send
// failure), per spec §4.6 "Partials are forwarded in order but may be
// coalesced ... if downstream backpressure is detected".
func (f *Fuser) Observe(t *Transcript, backpressured bool) Outcome {
	t.TurnID = f.currentTurnID

	if f.finalizedTurns[t.TurnID] {
		f.droppedRevisions.Add(1)
		return OutcomeDropRevision
	}

	if t.IsFinal {
		f.finalizedTurns[t.TurnID] = true
		return OutcomeForward
	}

	if backpressured {
		f.coalescedPartial.Add(1)
		return OutcomeCoalesce
	}
	return OutcomeForward
}

// DroppedRevisions returns the cumulative count of post-final revisions
// discarded across all turns this Fuser has observed.
func (f *Fuser) DroppedRevisions() uint64 { return f.droppedRevisions.Load() }

// CoalescedPartials returns the cumulative count of partials coalesced
// due to downstream backpressure.
func (f *Fuser) CoalescedPartials() uint64 { return f.coalescedPartial.Load() }

// Reset clears per-turn finalization bookkeeping for turnID once a turn
// has been fully delivered and torn down, bounding Fuser's memory to live
// turns rather than a session's entire lifetime.
func (f *Fuser) Reset(turnID uint64) {
	delete(f.finalizedTurns, turnID)
}
