// Package codec converts between PCM16LE and the compressed/companded
// encodings the session runtime's transports use: Opus for the
// WebRTC-adjacent realtime path and mu-law/A-law for telephony-style PCM
// (Frame encodings).
package codec

import (
	"fmt"

	"github.com/zaf/g711"
	"gopkg.in/hraban/opus.v2"

	"github.com/nexavoice/gateway/internal/audio"
)

// PCMCodec converts a frame's Data between its declared Encoding and
// PCM16LE. Providers and the ring buffer exchange audio.Frame values
// tagged with whatever encoding is cheapest on the wire; C3/C4 consumers
// that need PCM16LE (the resampler, the VAD) decode through this.
type PCMCodec interface {
	// Decode converts data to PCM16LE bytes.
	Decode(data []byte) ([]byte, error)
	// Encode converts PCM16LE bytes to this codec's wire encoding.
	Encode(pcm []byte) ([]byte, error)
}

// MulawCodec implements PCMCodec for G.711 mu-law, the standard PSTN
// telephony companding.
type MulawCodec struct{}

func (MulawCodec) Decode(data []byte) ([]byte, error) {
	return g711.DecodeUlaw(data), nil
}

func (MulawCodec) Encode(pcm []byte) ([]byte, error) {
	return g711.EncodeUlaw(pcm), nil
}

// AlawCodec implements PCMCodec for G.711 A-law, used by telephony
// networks outside the North American PSTN.
type AlawCodec struct{}

func (AlawCodec) Decode(data []byte) ([]byte, error) {
	return g711.DecodeAlaw(data), nil
}

func (AlawCodec) Encode(pcm []byte) ([]byte, error) {
	return g711.EncodeAlaw(pcm), nil
}

// Opus frame geometry: 48kHz, 20ms frames, 2 RTP-signaled channels, 960
// samples (1920 bytes of PCM16LE) per channel, 3840 bytes per stereo
// frame — the constants the WebRTC ingress/egress adapter
// (internal/transportadapter) negotiates.
const (
	OpusSampleRate   = 48000
	OpusChannels     = 2
	OpusFrameMillis  = 20
	OpusFrameSamples = OpusSampleRate * OpusFrameMillis / 1000 // 960 per channel
	OpusPayloadType  = 111
)

// OpusCodec encodes/decodes 20ms Opus frames at the fixed sample rate and
// channel count above. Each OpusCodec is single-stream; it is not safe for
// concurrent Decode/Encode calls from multiple goroutines because the
// underlying libopus encoder/decoder keep internal state across frames.
type OpusCodec struct {
	enc *opus.Encoder
	dec *opus.Decoder
}

// NewOpusCodec constructs an encoder/decoder pair at OpusSampleRate with
// OpusChannels.
func NewOpusCodec() (*OpusCodec, error) {
	enc, err := opus.NewEncoder(OpusSampleRate, OpusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decoder: %w", err)
	}
	return &OpusCodec{enc: enc, dec: dec}, nil
}

// Decode converts one Opus packet to PCM16LE bytes at OpusSampleRate/
// OpusChannels.
func (c *OpusCodec) Decode(data []byte) ([]byte, error) {
	pcm := make([]int16, OpusFrameSamples*OpusChannels)
	n, err := c.dec.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return int16ToBytes(pcm[:n*OpusChannels]), nil
}

// Encode converts exactly one 20ms PCM16LE frame (OpusFrameSamples samples
// per channel) into an Opus packet.
func (c *OpusCodec) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16(pcm)
	out := make([]byte, 4000)
	n, err := c.enc.Encode(samples, out)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return out[:n], nil
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

func int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ForEncoding returns the stateless MulawCodec for audio.EncodingMulaw and
// an error for every other encoding: PCM16LE needs no codec, MP3 isn't
// produced or consumed anywhere in this runtime, and Opus is stateful and
// comes from NewOpusCodec instead.
func ForEncoding(enc audio.Encoding) (PCMCodec, error) {
	switch enc {
	case audio.EncodingMulaw:
		return MulawCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: no PCM codec for encoding %q", enc)
	}
}
