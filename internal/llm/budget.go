package llm

import (
	"strings"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

// modelBudgets maps model id prefixes to context window sizes. Longest prefix
// wins; unlisted models fall back to defaultBudget.
var modelBudgets = map[string]int{
	"gpt-4o-mini":       128000,
	"gpt-4o":            128000,
	"gpt-4-turbo":       128000,
	"gpt-4":             8192,
	"gpt-3.5-turbo":     16385,
	"o1":                200000,
	"claude-3-5-haiku":  200000,
	"claude-3-5-sonnet": 200000,
	"claude-sonnet-4":   200000,
	"claude-opus-4":     200000,
}

const (
	defaultBudget = 128000
	// reservedOutput is withheld from the prompt budget so the reply has room.
	reservedOutput = 8192
)

// ContextWindow returns the token budget for a model id.
func ContextWindow(model string) int {
	best, bestLen := defaultBudget, 0
	for prefix, limit := range modelBudgets {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = limit, len(prefix)
		}
	}
	return best
}

// EstimateTokens approximates the token count of a text. The 4-bytes-per-token
// heuristic overshoots for code, which errs on the safe side here.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}

// estimateRequestTokens sums message content plus a per-message envelope.
func estimateRequestTokens(req *Request) int {
	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Arguments) + 8
		}
	}
	for _, t := range req.Tools {
		total += EstimateTokens(t.Description) + EstimateTokens(string(t.Parameters))
	}
	return total
}

// checkBudget fails fast when the prompt cannot fit the model's window with
// reserved output space, instead of risking server-side truncation.
func checkBudget(req *Request) error {
	limit := ContextWindow(req.Model) - reservedOutput
	if used := estimateRequestTokens(req); used > limit {
		return errors.New(errors.CategoryLLM, errors.SeverityError,
			"CONTEXT_OVERFLOW: prompt too large for model").
			WithContext("model", req.Model).
			WithContext("estimated_tokens", used).
			WithContext("limit", limit)
	}
	return nil
}
