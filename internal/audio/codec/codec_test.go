package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawCodec_RoundTrip(t *testing.T) {
	c := MulawCodec{}
	pcm := []byte{0x00, 0x00, 0x10, 0x27, 0xF0, 0xD8} // 0, 10000, -10000 as int16 LE

	encoded, err := c.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, encoded, len(pcm)/2)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, len(pcm))
}

func TestAlawCodec_RoundTrip(t *testing.T) {
	c := AlawCodec{}
	pcm := []byte{0x00, 0x00, 0x10, 0x27}

	encoded, err := c.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, encoded, len(pcm)/2)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, len(pcm))
}

func TestForEncoding(t *testing.T) {
	c, err := ForEncoding("mulaw")
	require.NoError(t, err)
	assert.IsType(t, MulawCodec{}, c)

	_, err = ForEncoding("mp3")
	assert.Error(t, err)
}

func TestBytesInt16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	b := int16ToBytes(samples)
	back := bytesToInt16(b)
	assert.Equal(t, samples, back)
}
