package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStructFrame_BytesFieldRoundTrips guards the audio data path over the
// out-of-process plugin ABI: google.protobuf.Struct has no bytes kind, so
// an audio.Frame's []byte payload must survive structFrame/decodeBytesField
// as a number list rather than fail structpb.NewStruct's type switch.
func TestStructFrame_BytesFieldRoundTrips(t *testing.T) {
	data := []byte{0x00, 0x01, 0x7f, 0x80, 0xff}

	frame, err := structFrame("audio", map[string]interface{}{"data": data})
	require.NoError(t, err)

	fields := frame.GetFields()
	assert.Equal(t, "audio", fields["kind"].GetStringValue())

	got := decodeBytesField(fields["data"])
	assert.Equal(t, data, got)
}

func TestStructFrame_NonBytesPayloadUnaffected(t *testing.T) {
	frame, err := structFrame("speak", map[string]interface{}{"text": "hello", "flush": true})
	require.NoError(t, err)

	fields := frame.GetFields()
	assert.Equal(t, "hello", fields["text"].GetStringValue())
	assert.Equal(t, true, fields["flush"].GetBoolValue())
}
