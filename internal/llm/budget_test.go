package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextWindowLongestPrefixWins(t *testing.T) {
	assert.Equal(t, 128000, ContextWindow("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, 8192, ContextWindow("gpt-4-0613"))
	assert.Equal(t, 200000, ContextWindow("claude-3-5-sonnet-20241022"))
	assert.Equal(t, defaultBudget, ContextWindow("some-unknown-model"))
}

func TestEstimateTokensNeverZero(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("hello world, this is a sentence"), 1)
}
