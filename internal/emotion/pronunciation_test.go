package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPronunciationStage_CaseInsensitiveWholeWord(t *testing.T) {
	dict := PronunciationDictionary{"sqlite": "sequel-lite"}
	stage := NewPronunciationStage(dict)

	out := stage.Apply("We use SQLite and sqlite3 is different")
	assert.Equal(t, "We use sequel-lite and sqlite3 is different", out)
}

func TestPronunciationStage_LeftToRightNonOverlapping(t *testing.T) {
	dict := PronunciationDictionary{"api": "A P I", "apiary": "ay-pee-airy"}
	stage := NewPronunciationStage(dict)

	out := stage.Apply("the api and the apiary")
	assert.Equal(t, "the A P I and the ay-pee-airy", out)
}

func TestPronunciationStage_EmptyDictIsNoOp(t *testing.T) {
	stage := NewPronunciationStage(nil)
	assert.Equal(t, "hello world", stage.Apply("hello world"))
}

func TestNumberToWordsStage_SpellsOutStandaloneIntegers(t *testing.T) {
	stage := NewNumberToWordsStage()
	out := stage.Apply("there are 3 apples")
	assert.NotContains(t, out, "3 ")
}

func TestPipeline_RunsStagesInOrder(t *testing.T) {
	dict := PronunciationDictionary{"three": "tray"}
	p := DefaultPipeline(dict)
	out := p.Run("3")
	assert.Equal(t, "tray", out)
}
