package resampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexavoice/gateway/internal/audio"
)

func TestNew_RejectsNonPCM(t *testing.T) {
	_, err := New(audio.NewOpus48kHzStereoConfig(), audio.NewLinear16kHzMonoConfig())
	assert.Error(t, err)
}

func TestNew_RejectsChannelMismatch(t *testing.T) {
	stereo16k := audio.Config{SampleRate: 16000, Channels: 2, Encoding: audio.EncodingPCM16LE}
	_, err := New(stereo16k, audio.NewLinear16kHzMonoConfig())
	assert.Error(t, err)
}

func TestConvert_NoOpWhenRatesMatch(t *testing.T) {
	cfg := audio.NewLinear16kHzMonoConfig()
	r, err := New(cfg, cfg)
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4}
	assert.Equal(t, data, r.Convert(data))
}

func TestConvert_ChangesLength(t *testing.T) {
	from := audio.NewLinear16kHzMonoConfig()
	to := audio.NewLinear24kHzMonoConfig()
	r, err := New(from, to)
	require.NoError(t, err)

	// 100 samples at 16kHz PCM16LE mono.
	data := make([]byte, 200)
	out := r.Convert(data)
	assert.NotEqual(t, len(data), len(out))
}

func TestConvertFrame_PreservesSequenceChangesConfig(t *testing.T) {
	from := audio.NewLinear16kHzMonoConfig()
	to := audio.NewLinear24kHzMonoConfig()
	r, err := New(from, to)
	require.NoError(t, err)

	seq := &audio.SequenceSource{}
	f := audio.NewFrame(make([]byte, 320), from, seq)

	out := r.ConvertFrame(f)
	assert.Equal(t, f.Sequence, out.Sequence)
	assert.Equal(t, to, out.Config)
}
