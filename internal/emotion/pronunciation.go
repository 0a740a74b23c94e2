package emotion

import (
	"regexp"
	"strconv"
	"strings"

	numbertowords "moul.io/number-to-words"
)

// PronunciationDictionary is a deterministic word->phoneme substitution
// table applied to TTS input text before synthesis. Lookups are
// case-insensitive on whole words; replacement proceeds left-to-right and
// non-overlapping.
type PronunciationDictionary map[string]string

// Stage is one named step in the pre-synthesis text pipeline, matching
// the ordered, named composition style used for the provider-facing text
// normalizer pipeline elsewhere in this runtime.
type Stage interface {
	Name() string
	Apply(text string) string
}

var wordPattern = regexp.MustCompile(`[\w']+`)

// pronunciationStage applies a PronunciationDictionary.
type pronunciationStage struct {
	dict PronunciationDictionary
}

// NewPronunciationStage returns a Stage that rewrites whole-word matches
// against dict, case-insensitively, left to right, without overlap.
func NewPronunciationStage(dict PronunciationDictionary) Stage {
	lower := make(PronunciationDictionary, len(dict))
	for k, v := range dict {
		lower[strings.ToLower(k)] = v
	}
	return &pronunciationStage{dict: lower}
}

func (s *pronunciationStage) Name() string { return "pronunciation" }

func (s *pronunciationStage) Apply(text string) string {
	if len(s.dict) == 0 {
		return text
	}
	return wordPattern.ReplaceAllStringFunc(text, func(word string) string {
		if repl, ok := s.dict[strings.ToLower(word)]; ok {
			return repl
		}
		return word
	})
}

// numberToWordsStage spells out standalone integers so TTS providers that
// mis-pronounce bare digits (e.g. reading "24" as "two four") get words
// instead. It runs ahead of the pronunciation dictionary stage so a
// spelled-out number can itself be overridden by a dictionary entry.
type numberToWordsStage struct{}

// NewNumberToWordsStage returns a Stage that converts standalone integers
// to their English word form.
func NewNumberToWordsStage() Stage {
	return numberToWordsStage{}
}

func (numberToWordsStage) Name() string { return "number_to_words" }

var integerPattern = regexp.MustCompile(`-?\b\d+\b`)

func (numberToWordsStage) Apply(text string) string {
	return integerPattern.ReplaceAllStringFunc(text, func(match string) string {
		n, err := strconv.Atoi(match)
		if err != nil {
			return match
		}
		return numbertowords.IntegerToString(n)
	})
}

// Pipeline runs an ordered sequence of Stages over TTS input text.
type Pipeline struct {
	stages []Stage
}

// NewPipeline returns a Pipeline running exactly the given stages, in the
// order given. DefaultPipeline builds the standard number-to-words then
// pronunciation ordering.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// DefaultPipeline returns the standard pre-synthesis pipeline: numbers
// spelled out, then dict applied.
func DefaultPipeline(dict PronunciationDictionary) *Pipeline {
	return NewPipeline(NewNumberToWordsStage(), NewPronunciationStage(dict))
}

// Run applies every stage in order and returns the transformed text.
func (p *Pipeline) Run(text string) string {
	for _, s := range p.stages {
		text = s.Apply(text)
	}
	return text
}
