package vad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTurnDetector_NotCompleteWhileSpeaking(t *testing.T) {
	d := NewTurnDetector(600 * time.Millisecond)
	now := time.Now()
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechStarted, AtMs: 0}, now)

	assert.True(t, d.IsSpeechActive())
	assert.False(t, d.IsTurnComplete(now))
}

func TestTurnDetector_CompletesAfterSilenceFloor(t *testing.T) {
	d := NewTurnDetector(600 * time.Millisecond)
	t0 := time.Now()
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechStarted}, t0)
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechEnded}, t0)

	assert.False(t, d.IsSpeechActive())
	assert.False(t, d.IsTurnComplete(t0.Add(300*time.Millisecond)), "silence floor not yet reached")
	assert.True(t, d.IsTurnComplete(t0.Add(650*time.Millisecond)))
}

func TestTurnDetector_SentenceFinalPunctuationLowersFloor(t *testing.T) {
	d := NewTurnDetector(600 * time.Millisecond)
	t0 := time.Now()
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechStarted}, t0)
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechEnded}, t0)
	d.ReportTranscript("okay, that works.")

	assert.True(t, d.IsTurnComplete(t0.Add(350*time.Millisecond)), "a completed sentence should shorten the silence wait")
}

func TestTurnDetector_HighConfidenceProsodyShortcutsSilenceFloor(t *testing.T) {
	d := NewTurnDetector(600 * time.Millisecond)
	t0 := time.Now()
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechStarted}, t0)
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechEnded}, t0)
	d.ReportProsody(ProsodyHint{EndOfTurnConfidence: 0.9})

	assert.True(t, d.IsTurnComplete(t0.Add(10*time.Millisecond)))
}

func TestTurnDetector_ResetClearsState(t *testing.T) {
	d := NewTurnDetector(600 * time.Millisecond)
	t0 := time.Now()
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechStarted}, t0)
	d.ObserveSpeechEvent(SpeechEvent{Kind: SpeechEnded}, t0)
	d.ReportProsody(ProsodyHint{EndOfTurnConfidence: 0.9})

	d.Reset()
	assert.False(t, d.IsTurnComplete(t0.Add(10*time.Millisecond)))
}
