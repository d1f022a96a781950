// Package utils provides token counting and identifier helpers.
package utils

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. Every supported provider is approximated with
// the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// ValidateTokenLimit reports whether text fits within limit.
func (tc *TokenCounter) ValidateTokenLimit(text string, limit int) bool {
	return tc.CountTokens(text) <= limit
}

// KeepNewestWithinBudget drops lines from the front (oldest first) until the joined
// lines plus header fit within budget tokens. budget <= 0 keeps everything. At least
// the newest line is always kept.
func (tc *TokenCounter) KeepNewestWithinBudget(header string, lines []string, budget int) []string {
	if budget <= 0 || len(lines) == 0 {
		return lines
	}

	used := tc.CountTokens(header)
	start := len(lines)
	for start > 0 {
		cost := tc.CountTokens(lines[start-1] + "\n")
		if used+cost > budget && start < len(lines) {
			break
		}
		used += cost
		start--
	}
	return lines[start:]
}

// JoinNumbered renders lines as "1. a\n2. b\n".
func JoinNumbered(lines []string) string {
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, line)
	}
	return sb.String()
}
