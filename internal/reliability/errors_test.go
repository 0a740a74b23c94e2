package reliability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := New(KindTimeout, "deepgram", "idle read watchdog fired")
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrAuth))
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(KindTransport, "azure", "connect failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestError_Retryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
		providerRetryable bool
	}{
		{KindConfig, false, false},
		{KindAuth, false, false},
		{KindTransport, true, false},
		{KindTimeout, true, false},
		{KindRateLimit, true, false},
		{KindResourceLimit, false, false},
		{KindCircuitOpen, true, false},
		{KindProviderError, false, false},
		{KindProviderError, true, true},
		{KindInternal, false, false},
	}
	for _, tc := range cases {
		e := &Error{Kind: tc.kind, ProviderRetryable: tc.providerRetryable}
		assert.Equal(t, tc.retryable, e.Retryable(), "kind=%s providerRetryable=%v", tc.kind, tc.providerRetryable)
	}
}
