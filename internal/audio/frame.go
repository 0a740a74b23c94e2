// Package audio defines the wire-agnostic audio types (Frame) and
// the standard sample-rate/encoding configurations the session runtime and
// providers negotiate between.
package audio

import "sync/atomic"

// Encoding enumerates the PCM/compressed encodings AudioFrame can carry.
type Encoding string

const (
	EncodingPCM16LE Encoding = "pcm16le"
	EncodingMulaw   Encoding = "mulaw"
	EncodingOpus    Encoding = "opus"
	EncodingMP3     Encoding = "mp3"
)

// Config describes a fixed audio format: sample rate, channel count, and
// encoding. Providers and transports declare their native Config so the
// resampler/codec layer knows what conversion (if any) is needed.
type Config struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// NewLinear16kHzMonoConfig is the internal canonical format used between
// C3/C4/C6 and STT providers without a native rate preference.
func NewLinear16kHzMonoConfig() Config {
	return Config{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16LE}
}

// NewLinear24kHzMonoConfig is the default realtime/TTS output format.
func NewLinear24kHzMonoConfig() Config {
	return Config{SampleRate: 24000, Channels: 1, Encoding: EncodingPCM16LE}
}

// NewMulaw8kHzMonoConfig is the classic PSTN telephony format.
func NewMulaw8kHzMonoConfig() Config {
	return Config{SampleRate: 8000, Channels: 1, Encoding: EncodingMulaw}
}

// NewOpus48kHzStereoConfig is the WebRTC-standard wire format (RFC 7587
// always signals two channels for the Opus payload type, even for mono
// voice content).
func NewOpus48kHzStereoConfig() Config {
	return Config{SampleRate: 48000, Channels: 2, Encoding: EncodingOpus}
}

// seqCounter assigns the monotonically increasing sequence numbers
// every ingress frame carries. One counter per session.
type seqCounter struct{ n atomic.Uint64 }

func (c *seqCounter) next() uint64 { return c.n.Add(1) }

// SequenceSource hands out strictly increasing sequence numbers for one
// session's ingress audio. Safe for concurrent use, though in practice a
// session has exactly one producer (the decoder goroutine).
type SequenceSource struct{ counter seqCounter }

// Next returns the next sequence number, starting at 1.
func (s *SequenceSource) Next() uint64 { return s.counter.next() }

// Frame is an immutable block of audio tagged with its format and ingress
// sequence number. Data must not be mutated after construction —
// frames are shared across the ring buffer and any callback sinks that
// observe them.
type Frame struct {
	Data     []byte
	Config   Config
	Sequence uint64
}

// NewFrame stamps data with the given config and the next sequence number
// from seq.
func NewFrame(data []byte, cfg Config, seq *SequenceSource) Frame {
	return Frame{Data: data, Config: cfg, Sequence: seq.Next()}
}

// DurationMs returns the playback duration of the frame in milliseconds
// given its Config. Opus frames carry no intrinsic sample count here (the
// codec layer tracks that separately), so this is only meaningful for PCM
// and mulaw encodings.
func (f Frame) DurationMs() float64 {
	switch f.Config.Encoding {
	case EncodingPCM16LE:
		bytesPerSample := 2 * f.Config.Channels
		if bytesPerSample == 0 || f.Config.SampleRate == 0 {
			return 0
		}
		samples := len(f.Data) / bytesPerSample
		return float64(samples) / float64(f.Config.SampleRate) * 1000
	case EncodingMulaw:
		if f.Config.Channels == 0 || f.Config.SampleRate == 0 {
			return 0
		}
		samples := len(f.Data) / f.Config.Channels
		return float64(samples) / float64(f.Config.SampleRate) * 1000
	default:
		return 0
	}
}
