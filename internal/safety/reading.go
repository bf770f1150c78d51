package safety

import (
	"math"
	"strings"
	"unicode"

	"github.com/brightming/genflow/pkg/model"
)

type readingLimits struct {
	sentenceWords float64
	wordLetters   float64
}

func limitsFor(band model.AgeBand) readingLimits {
	switch band {
	case model.AgeToddler:
		return readingLimits{8, 5}
	case model.AgePreschool:
		return readingLimits{12, 6}
	case model.AgeEarlyReader:
		return readingLimits{15, 7}
	default:
		return readingLimits{20, 8}
	}
}

// ReadingScore 0-100，句长与词长都在年龄段上限内时为100
func ReadingScore(content string, band model.AgeBand) float64 {
	words := strings.Fields(content)
	if len(words) == 0 {
		return 0
	}
	sentences := 0
	for _, s := range strings.FieldsFunc(content, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}

	letters := 0
	for _, w := range words {
		letters += len([]rune(strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })))
	}

	lim := limitsFor(band)
	avgSentence := float64(len(words)) / float64(sentences)
	avgWord := float64(letters) / float64(len(words))

	sentenceScore := 1.0
	if avgSentence > lim.sentenceWords {
		sentenceScore = lim.sentenceWords / avgSentence
	}
	wordScore := 1.0
	if avgWord > lim.wordLetters {
		wordScore = lim.wordLetters / avgWord
	}
	score := math.Min((sentenceScore+wordScore)/2*100, 100)
	return math.Round(score*10) / 10
}

// ReadingTimeSeconds 按每分钟200词估算
func ReadingTimeSeconds(content string) int {
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * 60 / 200))
}
