package tokenizer

import (
	"unicode/utf8"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// DefaultCharsPerToken is the non-CJK ratio used by the default estimator.
// Configurable through tokens.chars_per_token.
const DefaultCharsPerToken = 4.0

// cjkCharsPerToken is fixed: CJK scripts pack far fewer characters per token.
const cjkCharsPerToken = 1.5

const (
	messageOverhead      = 4
	conversationOverhead = 3
)

// Estimator is a character-count-based token estimator. It distinguishes CJK
// and other characters. The result depends only on the input text.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator creates an estimator; a non-positive ratio selects
// DefaultCharsPerToken.
func NewEstimator(charsPerToken float64) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Estimator{charsPerToken: charsPerToken}
}

// CharsPerToken returns the configured ratio.
func (e *Estimator) CharsPerToken() float64 {
	return e.charsPerToken
}

// CountTokens estimates the tokens in text. Non-empty text counts as at least
// one token.
func (e *Estimator) CountTokens(text string) (int, error) {
	return e.count(text), nil
}

func (e *Estimator) count(text string) int {
	if text == "" {
		return 0
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	cjkTokens := float64(cjkCount) / cjkCharsPerToken
	otherTokens := float64(totalChars-cjkCount) / e.charsPerToken
	estimated := int(cjkTokens + otherTokens)

	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

// CountMessages estimates the tokens of a conversation. An empty list counts
// as zero.
func (e *Estimator) CountMessages(messages []types.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	total := 0
	for _, msg := range messages {
		total += e.count(msg.Content) + messageOverhead
	}
	return total + conversationOverhead, nil
}

func (e *Estimator) Name() string {
	return "estimator"
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
