package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceSource_Monotonic(t *testing.T) {
	seq := &SequenceSource{}
	assert.Equal(t, uint64(1), seq.Next())
	assert.Equal(t, uint64(2), seq.Next())
	assert.Equal(t, uint64(3), seq.Next())
}

func TestSequenceSource_ConcurrentStrictlyIncreasing(t *testing.T) {
	seq := &SequenceSource{}
	const n = 200
	results := make(chan uint64, n)
	for i := 0; i < n; i++ {
		go func() { results <- seq.Next() }()
	}
	seen := make(map[uint64]bool, n)
	for i := 0; i < n; i++ {
		v := <-results
		assert.False(t, seen[v], "sequence number %d issued twice", v)
		seen[v] = true
	}
}

func TestFrame_DurationMs_PCM16(t *testing.T) {
	cfg := NewLinear16kHzMonoConfig()
	// 320 bytes = 160 samples at 16kHz mono = 10ms
	f := Frame{Data: make([]byte, 320), Config: cfg}
	assert.InDelta(t, 10.0, f.DurationMs(), 0.001)
}

func TestFrame_DurationMs_Mulaw(t *testing.T) {
	cfg := NewMulaw8kHzMonoConfig()
	// 80 bytes = 80 samples at 8kHz mono = 10ms
	f := Frame{Data: make([]byte, 80), Config: cfg}
	assert.InDelta(t, 10.0, f.DurationMs(), 0.001)
}

func TestFrame_DurationMs_UnsupportedEncodingIsZero(t *testing.T) {
	cfg := NewOpus48kHzStereoConfig()
	f := Frame{Data: make([]byte, 100), Config: cfg}
	assert.Equal(t, 0.0, f.DurationMs())
}

func TestNewFrame_StampsSequence(t *testing.T) {
	seq := &SequenceSource{}
	f1 := NewFrame([]byte{1}, NewLinear16kHzMonoConfig(), seq)
	f2 := NewFrame([]byte{2}, NewLinear16kHzMonoConfig(), seq)
	assert.Equal(t, uint64(1), f1.Sequence)
	assert.Equal(t, uint64(2), f2.Sequence)
}
