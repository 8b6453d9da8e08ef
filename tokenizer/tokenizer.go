package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Tokenizer is the token counting interface.
type Tokenizer interface {
	// CountTokens returns the number of tokens in text.
	CountTokens(text string) (int, error)

	// CountMessages returns the token count of a message list including
	// per-message overhead (role markers, separators).
	CountMessages(messages []types.Message) (int, error)

	// Name returns the tokenizer name.
	Name() string
}

var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex

	defaultEstimator Tokenizer = NewEstimator(DefaultCharsPerToken)
)

// RegisterTokenizer registers t for the given model name.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// ResetRegistry removes every registered tokenizer and restores the default
// estimator.
func ResetRegistry() {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers = make(map[string]Tokenizer)
	defaultEstimator = NewEstimator(DefaultCharsPerToken)
}

// SetDefaultEstimator replaces the fallback used for unregistered models.
func SetDefaultEstimator(t Tokenizer) {
	if t == nil {
		return
	}
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	defaultEstimator = t
}

// GetTokenizer returns the tokenizer registered for model. The longest
// registered prefix wins, so "gpt-4o-mini-2024" resolves to "gpt-4o-mini"
// before "gpt-4o".
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	var (
		best    Tokenizer
		bestLen int
	)
	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator returns the tokenizer registered for model, or the
// default estimator when none is.
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		modelTokenizersMu.RLock()
		defer modelTokenizersMu.RUnlock()
		return defaultEstimator
	}
	return t
}
