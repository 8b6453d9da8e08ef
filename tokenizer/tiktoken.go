package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Tiktoken counts tokens with the OpenAI BPE encodings. Loading an encoding
// can require a download; when it fails every call falls back to the
// estimator and the failure is logged once.
type Tiktoken struct {
	model    string
	encoding string
	fallback Tokenizer
	logger   *zap.Logger

	enc     *tiktoken.Tiktoken
	once    sync.Once
	initErr error
}

// modelEncodings maps model name prefixes to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTiktoken creates a tiktoken-backed tokenizer for model. Unknown models
// use cl100k_base.
func NewTiktoken(model string, fallback Tokenizer, logger *zap.Logger) *Tiktoken {
	if fallback == nil {
		fallback = NewEstimator(DefaultCharsPerToken)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{
		model:    model,
		encoding: encodingFor(model),
		fallback: fallback,
		logger:   logger.With(zap.String("component", "tokenizer")),
	}
}

func encodingFor(model string) string {
	best, bestLen := "cl100k_base", 0
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = enc, len(prefix)
		}
	}
	return best
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, using estimator",
				zap.String("model", t.model),
				zap.Error(t.initErr),
			)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *Tiktoken) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *Tiktoken) CountMessages(messages []types.Message) (int, error) {
	if err := t.init(); err != nil {
		return t.fallback.CountMessages(messages)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	total := 0
	for _, msg := range messages {
		total += messageOverhead
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(string(msg.Role), nil, nil))
	}
	return total + conversationOverhead, nil
}

func (t *Tiktoken) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterOpenAITokenizers registers tiktoken counters for all known OpenAI
// model prefixes.
func RegisterOpenAITokenizers(logger *zap.Logger) {
	for model := range modelEncodings {
		RegisterTokenizer(model, NewTiktoken(model, nil, logger))
	}
}
