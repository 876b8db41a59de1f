package diagnose

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. Both supported providers are
// approximated with the GPT-4 encoding; the budget carries enough slack
// that the approximation does not matter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	ids, _, err := tc.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}

	return len(ids)
}

// TruncateHead trims text from the front to fit the token limit. Failure
// logs carry their signal at the end, so the tail is what survives.
func (tc *TokenCounter) TruncateHead(text string, limit int) string {
	current := tc.Count(text)
	if current <= limit {
		return text
	}

	// Rough approximation: trim proportionally by characters, with a
	// safety margin, then re-check.
	ratio := float64(limit) / float64(current)
	keep := int(float64(len(text)) * ratio * 0.9)
	if keep >= len(text) {
		keep = len(text) - 1
	}
	if keep < 0 {
		keep = 0
	}

	truncated := "[... truncated ...]\n" + text[len(text)-keep:]
	for tc.Count(truncated) > limit && keep > 0 {
		keep /= 2
		truncated = "[... truncated ...]\n" + text[len(text)-keep:]
	}
	return truncated
}

// TruncateTail trims text from the back to fit the token limit. Used for
// file contents where the top of the file matters most.
func (tc *TokenCounter) TruncateTail(text string, limit int) string {
	current := tc.Count(text)
	if current <= limit {
		return text
	}

	ratio := float64(limit) / float64(current)
	keep := int(float64(len(text)) * ratio * 0.9)
	if keep >= len(text) {
		keep = len(text) - 1
	}
	if keep < 0 {
		keep = 0
	}

	truncated := text[:keep] + "\n[... truncated ...]"
	for tc.Count(truncated) > limit && keep > 0 {
		keep /= 2
		truncated = text[:keep] + "\n[... truncated ...]"
	}
	return truncated
}
