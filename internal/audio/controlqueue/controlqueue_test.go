package controlqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_TrySendRecv(t *testing.T) {
	q := New(2)
	require.NoError(t, q.TrySend("barge_in"))
	require.NoError(t, q.TrySend("flush"))

	err := q.TrySend("overflow")
	assert.ErrorIs(t, err, ErrBackpressure)

	ctx := context.Background()
	msg, ok := q.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, "barge_in", msg)
}

func TestQueue_MultiProducerSingleConsumer(t *testing.T) {
	q := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = q.TrySend(n)
		}(i)
	}
	wg.Wait()

	ctx := context.Background()
	seen := 0
	for seen < 10 {
		if _, ok := q.Recv(ctx); ok {
			seen++
		}
	}
	assert.Equal(t, 10, seen)
}

func TestQueue_CloseStopsNewSends(t *testing.T) {
	q := New(1)
	q.Close()
	q.Close() // idempotent

	err := q.TrySend("x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_RecvRespectsContextCancellation(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Recv(ctx)
	assert.False(t, ok)
}
