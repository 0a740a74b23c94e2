package vad

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpDetector_AlwaysReportsSpeechStartedOnce(t *testing.T) {
	d := NewNoOpDetector()
	frame := Frame{PCM16: make([]byte, 320)} // 10ms at 16kHz mono

	events, err := d.Feed(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SpeechStarted, events[0].Kind)

	events, err = d.Feed(context.Background(), frame)
	require.NoError(t, err)
	assert.Empty(t, events, "subsequent frames shouldn't re-emit speech_started")
}

func TestNoOpDetector_ResetAllowsReemission(t *testing.T) {
	d := NewNoOpDetector()
	frame := Frame{PCM16: make([]byte, 320)}
	_, _ = d.Feed(context.Background(), frame)
	d.Reset()

	events, err := d.Feed(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
