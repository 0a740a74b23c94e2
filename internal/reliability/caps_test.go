package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaps_CheckRequestText(t *testing.T) {
	c := &Caps{MaxRequestTextBytes: 10}
	assert.Nil(t, c.CheckRequestText("hume", 5))

	err := c.CheckRequestText("hume", 11)
	require.NotNil(t, err)
	assert.Equal(t, KindResourceLimit, err.Kind)
}

func TestCaps_TTSSlotAcquireRelease(t *testing.T) {
	c := &Caps{MaxConcurrentTTS: 2}

	require.Nil(t, c.AcquireTTSSlot("elevenlabs"))
	require.Nil(t, c.AcquireTTSSlot("elevenlabs"))

	err := c.AcquireTTSSlot("elevenlabs")
	require.NotNil(t, err)
	assert.Equal(t, KindResourceLimit, err.Kind)

	c.ReleaseTTSSlot()
	assert.Nil(t, c.AcquireTTSSlot("elevenlabs"))
}

func TestCaps_RingBufferBytes(t *testing.T) {
	c := &Caps{MaxRingBufferBytes: 1000}
	assert.Nil(t, c.CheckRingBufferBytes("deepgram", 500, 400))

	err := c.CheckRingBufferBytes("deepgram", 500, 600)
	require.NotNil(t, err)
	assert.Equal(t, KindResourceLimit, err.Kind)
}

func TestCheckRealtimeInstructions(t *testing.T) {
	assert.Nil(t, CheckRealtimeInstructions("openai-realtime", MaxRealtimeInstructionsBytes))

	err := CheckRealtimeInstructions("openai-realtime", MaxRealtimeInstructionsBytes+1)
	require.NotNil(t, err)
	assert.Equal(t, KindResourceLimit, err.Kind)
}

func TestCheckRealtimeText(t *testing.T) {
	assert.Nil(t, CheckRealtimeText("openai-realtime", MaxRealtimeTextBytes))

	err := CheckRealtimeText("openai-realtime", MaxRealtimeTextBytes+1)
	require.NotNil(t, err)
	assert.Equal(t, KindResourceLimit, err.Kind)
}

func TestCheckRealtimeFunctionResult(t *testing.T) {
	assert.Nil(t, CheckRealtimeFunctionResult("openai-realtime", MaxRealtimeFunctionResultBytes))

	err := CheckRealtimeFunctionResult("openai-realtime", MaxRealtimeFunctionResultBytes+1)
	require.NotNil(t, err)
	assert.Equal(t, KindResourceLimit, err.Kind)
}
