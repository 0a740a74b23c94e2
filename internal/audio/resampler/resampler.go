// Package resampler converts PCM16 audio between the sample rates the
// session runtime and its providers disagree on (16kHz internal vs 48kHz
// WebRTC vs 24kHz TTS output vs 8kHz telephony), wrapping
// github.com/tphakala/go-audio-resampler's linear resampler.
package resampler

import (
	"fmt"

	resample "github.com/tphakala/go-audio-resampler"

	"github.com/nexavoice/gateway/internal/audio"
)

// Resampler converts a byte-encoded PCM16LE frame from one Config's sample
// rate to another's. Channel count and encoding must match between from
// and to — this package only changes sample rate.
type Resampler struct {
	from audio.Config
	to   audio.Config
}

// New returns a Resampler for converting PCM16LE audio between from and to.
// Returns an error if either config isn't PCM16LE or the channel counts
// differ, since neither is something a sample-rate resampler can fix.
func New(from, to audio.Config) (*Resampler, error) {
	if from.Encoding != audio.EncodingPCM16LE || to.Encoding != audio.EncodingPCM16LE {
		return nil, fmt.Errorf("resampler: only PCM16LE is supported, got %s -> %s", from.Encoding, to.Encoding)
	}
	if from.Channels != to.Channels {
		return nil, fmt.Errorf("resampler: channel count mismatch %d -> %d", from.Channels, to.Channels)
	}
	return &Resampler{from: from, to: to}, nil
}

// Convert resamples raw PCM16LE bytes from r.from's rate to r.to's rate. A
// no-op when the rates already match.
func (r *Resampler) Convert(data []byte) []byte {
	if r.from.SampleRate == r.to.SampleRate {
		return data
	}
	samples := resample.BytesToSamples(data)
	out := resample.Resample(samples, r.from.SampleRate, r.to.SampleRate)
	return resample.SamplesToBytes(out)
}

// ConvertFrame resamples f, returning a new Frame stamped with the target
// Config and the same sequence number (resampling doesn't produce new
// ingress audio, so it doesn't consume a new sequence slot).
func (r *Resampler) ConvertFrame(f audio.Frame) audio.Frame {
	return audio.Frame{
		Data:     r.Convert(f.Data),
		Config:   r.to,
		Sequence: f.Sequence,
	}
}
