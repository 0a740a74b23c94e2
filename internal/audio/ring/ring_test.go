package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexavoice/gateway/internal/audio"
)

func frame(seq uint64) audio.Frame {
	return audio.Frame{Data: []byte{byte(seq)}, Config: audio.NewLinear16kHzMonoConfig(), Sequence: seq}
}

func TestBuffer_PushPopOrder(t *testing.T) {
	b := New(3)
	assert.False(t, b.Push(frame(1)))
	assert.False(t, b.Push(frame(2)))

	f, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Sequence)

	f, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Sequence)

	_, ok = b.Pop()
	assert.False(t, ok)
}

func TestBuffer_DropsOldestOnOverflow(t *testing.T) {
	b := New(2)
	b.Push(frame(1))
	b.Push(frame(2))
	dropped := b.Push(frame(3))

	assert.True(t, dropped)
	assert.Equal(t, uint64(1), b.DroppedCount())
	assert.Equal(t, 2, b.Len())

	f, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Sequence, "oldest (seq 1) should have been evicted")

	f, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Sequence)
}

func TestBuffer_NoLossUpToCapacity(t *testing.T) {
	b := New(5)
	for i := uint64(1); i <= 5; i++ {
		dropped := b.Push(frame(i))
		assert.False(t, dropped)
	}
	assert.Equal(t, uint64(0), b.DroppedCount())
	assert.Equal(t, 5, b.Len())

	for i := uint64(1); i <= 5; i++ {
		f, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, i, f.Sequence)
	}
}

func TestBuffer_Drain(t *testing.T) {
	b := New(4)
	b.Push(frame(1))
	b.Push(frame(2))

	out := b.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[0].Sequence)
	assert.Equal(t, uint64(2), out[1].Sequence)
	assert.Equal(t, 0, b.Len())
}

func BenchmarkRingBufferSPSC(b *testing.B) {
	buf := New(1024)
	done := make(chan struct{})

	go func() {
		defer close(done)
		received := 0
		for received < b.N {
			if _, ok := buf.Pop(); ok {
				received++
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Push(frame(uint64(i)))
	}
	<-done
}
