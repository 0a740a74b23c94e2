package session

import (
	"crypto/md5"
	"fmt"
	"time"

	"github.com/nexavoice/gateway/internal/emotion"
)

// DefaultDedupWindow is how long a TTS fingerprint is remembered before a
// repeat of the same turn output is allowed to re-synthesize (spec §4.6
// "Speaking de-dup"): a response generator that retries and emits the same
// sentence twice in quick succession must not double-speak it.
const DefaultDedupWindow = 5 * time.Second

// ttsFingerprint is a 128-bit digest over the literal text, the voice, and
// the emotion config fields applied to it. Pronunciation overrides are not
// part of it. Two calls with the same fingerprint within the dedup window
// are treated as duplicates.
type ttsFingerprint [16]byte

func fingerprint(text, voiceID string, cfg emotion.Config) ttsFingerprint {
	h := md5.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%.4f\x00%s\x00%s",
		text, voiceID, cfg.Emotion, cfg.Intensity, cfg.DeliveryStyle, cfg.CustomDescription)
	var out ttsFingerprint
	copy(out[:], h.Sum(nil))
	return out
}

// ttsDedup suppresses re-synthesizing the same turn output twice within a
// sliding window. It is owned exclusively by the state-machine driver
// goroutine, consistent with spec §5's "only the state-machine driver
// mutates session-scoped state" — no lock is needed.
type ttsDedup struct {
	window time.Duration
	last   map[ttsFingerprint]time.Time
}

func newTTSDedup(window time.Duration) *ttsDedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &ttsDedup{window: window, last: make(map[ttsFingerprint]time.Time)}
}

// seenRecently reports whether (text, voiceID, cfg) was already spoken
// within the dedup window as of now, recording this occurrence either way
// so the window slides forward on every call rather than only on misses.
func (d *ttsDedup) seenRecently(text, voiceID string, cfg emotion.Config, now time.Time) bool {
	fp := fingerprint(text, voiceID, cfg)
	prev, ok := d.last[fp]
	d.last[fp] = now
	if !ok {
		return false
	}
	return now.Sub(prev) < d.window
}

// sweep evicts fingerprints older than the window so the map stays bounded
// to recently active turns rather than growing for the life of a session.
func (d *ttsDedup) sweep(now time.Time) {
	for fp, t := range d.last {
		if now.Sub(t) >= d.window {
			delete(d.last, fp)
		}
	}
}
