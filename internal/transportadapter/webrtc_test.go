package transportadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/pkg/commons"
)

type noopLogger struct{ commons.Logger }

func (noopLogger) Infow(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{}) {}

type fakeSink struct {
	pushed   []audio.Frame
	audioOut chan audio.Frame
}

func newFakeSink() *fakeSink {
	return &fakeSink{audioOut: make(chan audio.Frame, 4)}
}

func (s *fakeSink) PushClientAudio(f audio.Frame) { s.pushed = append(s.pushed, f) }
func (s *fakeSink) AudioOut() <-chan audio.Frame  { return s.audioOut }

func TestNew_BuildsPeerConnectionWithLocalTrack(t *testing.T) {
	sink := newFakeSink()
	a, err := New(context.Background(), noopLogger{}, sink)
	require.NoError(t, err)
	require.NotNil(t, a.localTrack)

	assert.NoError(t, a.Close())
}
