package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexavoice/gateway/pkg/commons"
)

func TestMapper_ToNaturalLanguage_CapsAt100Chars(t *testing.T) {
	m := NewMapper()
	cfg := Config{
		Emotion:           Happy,
		CustomDescription: stringOfLen(150),
	}
	out := m.ToNaturalLanguage(cfg)
	assert.LessOrEqual(t, len(out), 100)
}

func TestMapper_ToNaturalLanguage_UsesTemplateWhenNoCustom(t *testing.T) {
	m := NewMapper()
	out := m.ToNaturalLanguage(Config{Emotion: Calm})
	assert.Contains(t, out, "calm")
}

func TestMapper_ToVoiceSettings_IntensityShiftsStability(t *testing.T) {
	m := NewMapper()
	low := m.ToVoiceSettings(Config{Emotion: Happy, Intensity: 0})
	high := m.ToVoiceSettings(Config{Emotion: Happy, Intensity: 1})
	assert.Greater(t, low.Stability, high.Stability)
	assert.Less(t, low.Style, high.Style)
}

func TestMapper_ToSSMLExpressAs_WrapsText(t *testing.T) {
	m := NewMapper()
	out := m.ToSSMLExpressAs(Config{Emotion: Sad, Intensity: 0.5}, "hello there")
	assert.Contains(t, out, `style="sad"`)
	assert.Contains(t, out, "hello there")
}

func TestMapper_ToInstructions_MatchesNaturalLanguage(t *testing.T) {
	m := NewMapper()
	cfg := Config{Emotion: Excited}
	assert.Equal(t, m.ToNaturalLanguage(cfg), m.ToInstructions(cfg))
}

func TestFallbackTracker_WarnsOncePerTuple(t *testing.T) {
	logger := newCountingLogger()
	tracker := NewFallbackTracker()

	tracker.WarnOnce(logger, "sess-1", "cartesia", Happy)
	tracker.WarnOnce(logger, "sess-1", "cartesia", Happy)
	tracker.WarnOnce(logger, "sess-1", "cartesia", Sad)
	tracker.WarnOnce(logger, "sess-2", "cartesia", Happy)

	require.Equal(t, 3, logger.warnings)
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

type countingLogger struct {
	commons.Logger
	warnings int
}

func newCountingLogger() *countingLogger { return &countingLogger{} }

func (l *countingLogger) Warnw(msg string, kv ...interface{}) { l.warnings++ }
