// Package emotion maps a canonical EmotionConfig into each provider
// family's native delivery-style mechanism, and normalizes TTS input text
// through a pronunciation replacer and a number-to-words pass ahead of
// synthesis.
package emotion

import (
	"fmt"
	"sync"

	"github.com/nexavoice/gateway/pkg/commons"
)

// Emotion enumerates the canonical delivery emotions a session can
// request for a TTS turn.
type Emotion string

const (
	Neutral   Emotion = "neutral"
	Happy     Emotion = "happy"
	Sad       Emotion = "sad"
	Angry     Emotion = "angry"
	Fearful   Emotion = "fearful"
	Disgusted Emotion = "disgusted"
	Surprised Emotion = "surprised"
	Excited   Emotion = "excited"
	Calm      Emotion = "calm"
	Whispered Emotion = "whispered"
)

// Config is the canonical, provider-agnostic emotion request a session
// attaches to a TTS turn.
type Config struct {
	Emotion           Emotion
	Intensity         float64 // in [0,1]
	DeliveryStyle     string  // optional provider-agnostic style hint, e.g. "newscaster"
	CustomDescription string  // optional free-text override
}

// VoiceSettings is the ElevenLabs-class triple.
type VoiceSettings struct {
	Stability       float64
	Style           float64
	SimilarityBoost float64
}

// Mapper maps a Config into each supported provider family's native
// mechanism. All methods are pure functions of the input Config; fallback
// warning bookkeeping lives in FallbackTracker, not here.
type Mapper struct{}

// NewMapper returns a stateless Mapper.
func NewMapper() *Mapper { return &Mapper{} }

// naturalLanguageTemplates gives each emotion a short natural-language
// descriptor Hume-class providers can consume directly. ToNaturalLanguage
// appends the delivery style (intensity is not rendered) and truncates the
// result to 100 characters.
var naturalLanguageTemplates = map[Emotion]string{
	Neutral:   "speaking in a neutral, even tone",
	Happy:     "speaking happily, with warmth and a light smile in the voice",
	Sad:       "speaking sadly, subdued and slow",
	Angry:     "speaking with controlled anger, tense and clipped",
	Fearful:   "speaking fearfully, with a tremor of anxiety",
	Disgusted: "speaking with disgust, wrinkled and reluctant",
	Surprised: "speaking with surprise, a sudden lift in pitch",
	Excited:   "speaking with excitement, energetic and fast",
	Calm:      "speaking calmly, slow and reassuring",
	Whispered: "speaking in a hushed whisper",
}

// ToNaturalLanguage renders cfg for Hume-class providers: a natural
// language description capped at 100 characters.
func (m *Mapper) ToNaturalLanguage(cfg Config) string {
	if cfg.CustomDescription != "" {
		return truncate(cfg.CustomDescription, 100)
	}
	desc, ok := naturalLanguageTemplates[cfg.Emotion]
	if !ok {
		desc = naturalLanguageTemplates[Neutral]
	}
	if cfg.DeliveryStyle != "" {
		desc = fmt.Sprintf("%s, in a %s style", desc, cfg.DeliveryStyle)
	}
	return truncate(desc, 100)
}

// elevenLabsBaseSettings gives each emotion a starting voice-settings
// triple; Intensity scales Style and dampens Stability proportionally.
var elevenLabsBaseSettings = map[Emotion]VoiceSettings{
	Neutral:   {Stability: 0.75, Style: 0.0, SimilarityBoost: 0.75},
	Happy:     {Stability: 0.45, Style: 0.6, SimilarityBoost: 0.75},
	Sad:       {Stability: 0.65, Style: 0.3, SimilarityBoost: 0.7},
	Angry:     {Stability: 0.35, Style: 0.8, SimilarityBoost: 0.7},
	Fearful:   {Stability: 0.4, Style: 0.5, SimilarityBoost: 0.65},
	Disgusted: {Stability: 0.4, Style: 0.5, SimilarityBoost: 0.65},
	Surprised: {Stability: 0.4, Style: 0.65, SimilarityBoost: 0.7},
	Excited:   {Stability: 0.3, Style: 0.75, SimilarityBoost: 0.75},
	Calm:      {Stability: 0.85, Style: 0.1, SimilarityBoost: 0.75},
	Whispered: {Stability: 0.9, Style: 0.05, SimilarityBoost: 0.8},
}

// ToVoiceSettings renders cfg for ElevenLabs-class providers.
func (m *Mapper) ToVoiceSettings(cfg Config) VoiceSettings {
	base, ok := elevenLabsBaseSettings[cfg.Emotion]
	if !ok {
		base = elevenLabsBaseSettings[Neutral]
	}
	intensity := clamp01(cfg.Intensity)
	return VoiceSettings{
		Stability:       clamp01(base.Stability - intensity*0.2),
		Style:           clamp01(base.Style + intensity*0.2),
		SimilarityBoost: base.SimilarityBoost,
	}
}

// azureExpressAs maps an Emotion to Azure's express-as style identifier.
var azureExpressAs = map[Emotion]string{
	Neutral:   "chat",
	Happy:     "cheerful",
	Sad:       "sad",
	Angry:     "angry",
	Fearful:   "fearful",
	Disgusted: "disgruntled",
	Surprised: "excited",
	Excited:   "excited",
	Calm:      "calm",
	Whispered: "whispering",
}

// ToSSMLExpressAs wraps text in an Azure mstts:express-as element for
// cfg's emotion and intensity.
func (m *Mapper) ToSSMLExpressAs(cfg Config, text string) string {
	style, ok := azureExpressAs[cfg.Emotion]
	if !ok {
		style = azureExpressAs[Neutral]
	}
	degree := 0.5 + clamp01(cfg.Intensity)*1.5 // Azure's styledegree ranges roughly 0.01-2
	return fmt.Sprintf(
		`<mstts:express-as style="%s" styledegree="%.2f">%s</mstts:express-as>`,
		style, degree, text,
	)
}

// ToInstructions renders cfg for OpenAI-class providers' "instructions"
// field.
func (m *Mapper) ToInstructions(cfg Config) string {
	return m.ToNaturalLanguage(cfg)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FallbackTracker records a single warning per (session_id, provider_id,
// emotion) tuple when a provider without emotion capability receives
// plain text instead — so a sustained stream of unsupported-emotion
// requests within one session doesn't flood the log.
type FallbackTracker struct {
	seen sync.Map // key: fallbackKey, value: struct{}
}

type fallbackKey struct {
	SessionID  string
	ProviderID string
	Emotion    Emotion
}

// NewFallbackTracker returns an empty tracker.
func NewFallbackTracker() *FallbackTracker {
	return &FallbackTracker{}
}

// WarnOnce logs a single warning for (sessionID, providerID, emotion) and
// is a no-op on subsequent calls with the same tuple.
func (t *FallbackTracker) WarnOnce(logger commons.Logger, sessionID, providerID string, emotion Emotion) {
	key := fallbackKey{SessionID: sessionID, ProviderID: providerID, Emotion: emotion}
	if _, loaded := t.seen.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	logger.Warnw("provider does not support emotion delivery, falling back to plain text",
		"session_id", sessionID, "provider_id", providerID, "emotion", emotion)
}
