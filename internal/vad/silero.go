package vad

import (
	"context"
	"fmt"

	speech "github.com/streamer45/silero-vad-go/speech"
)

// SileroConfig carries the knobs the Silero ONNX backend needs: where to
// load the model from and the detection thresholds/frame size it should
// apply. SampleRate must be 16000 — Silero's published model is trained at
// that rate only.
type SileroConfig struct {
	ModelPath            string
	SampleRate           int
	Threshold            float32
	MinSilenceDurationMs int
	SpeechPadMs          int
}

// DefaultSileroConfig returns thresholds tuned for conversational speech:
// 0.5 activation threshold, 600ms of trailing silence to close an
// utterance (matching the end-of-turn silence floor used elsewhere in
// this runtime), 30ms of padding kept around each detected span.
func DefaultSileroConfig(modelPath string) SileroConfig {
	return SileroConfig{
		ModelPath:            modelPath,
		SampleRate:           16000,
		Threshold:            0.5,
		MinSilenceDurationMs: 600,
		SpeechPadMs:          30,
	}
}

// SileroDetector is the ONNX-model-backed Detector implementation.
type SileroDetector struct {
	cfg     SileroConfig
	sd      *speech.Detector
	speakin bool
	elapsed float64
}

// NewSileroDetector loads the Silero ONNX model at cfg.ModelPath and
// returns a ready Detector.
func NewSileroDetector(cfg SileroConfig) (*SileroDetector, error) {
	if cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("vad: silero backend requires 16kHz audio, got %d", cfg.SampleRate)
	}
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: silero detector init: %w", err)
	}
	return &SileroDetector{cfg: cfg, sd: sd}, nil
}

func (d *SileroDetector) Feed(_ context.Context, frame Frame) ([]SpeechEvent, error) {
	samples := bytesToFloat32(frame.PCM16)
	segments, err := d.sd.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("vad: silero detect: %w", err)
	}

	durationMs := float64(len(frame.PCM16)) / 2 / float64(d.cfg.SampleRate) * 1000
	d.elapsed += durationMs

	var events []SpeechEvent
	active := len(segments) > 0
	if active && !d.speakin {
		d.speakin = true
		events = append(events, SpeechEvent{Kind: SpeechStarted, AtMs: d.elapsed, Framing: frame})
	} else if !active && d.speakin {
		d.speakin = false
		events = append(events, SpeechEvent{Kind: SpeechEnded, AtMs: d.elapsed, Framing: frame})
	}
	return events, nil
}

func (d *SileroDetector) Reset() {
	d.speakin = false
	d.elapsed = 0
	d.sd.Reset()
}

func (d *SileroDetector) Close() error {
	return d.sd.Destroy()
}

func bytesToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out
}
