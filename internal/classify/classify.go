// Package classify determines a repository's classification tag from its
// compact tree and README with one non-streaming model call.
package classify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/prompts"
)

var tagPattern = regexp.MustCompile(`<classify>\s*([a-z_]+)\s*</classify>`)

// Classifier wraps the gateway for the classification stage.
type Classifier struct {
	gateway *llm.Gateway
	model   string
}

// New creates a classifier using the analysis model.
func New(gateway *llm.Gateway, model string) *Classifier {
	return &Classifier{gateway: gateway, model: model}
}

// Classify runs the single-shot classification. Any failure to call the
// model or parse its reply yields "unknown" without retrying; classification
// is advisory and the pipeline continues with the generic prompt family.
func (c *Classifier) Classify(ctx context.Context, repositoryName, tree, readme string) string {
	system, user := prompts.Classifier(tree, readme)
	resp, err := c.gateway.Chat(ctx, &llm.Request{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   64,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err != nil {
		slog.Warn("Classification call failed, continuing as unknown",
			logfields.Repository(repositoryName), logfields.Error(err))
		return prompts.ClassUnknown
	}
	label := Parse(resp.Content)
	slog.Info("Repository classified",
		logfields.Repository(repositoryName), slog.String("classification", label))
	return label
}

// Parse extracts the label from a model reply. It prefers the tagged form,
// then falls back to scanning for a bare label; anything else is "unknown".
func Parse(reply string) string {
	if m := tagPattern.FindStringSubmatch(reply); m != nil && prompts.IsValidLabel(m[1]) {
		return m[1]
	}
	cleaned := strings.ToLower(strings.TrimSpace(reply))
	for _, label := range prompts.Labels {
		if cleaned == label {
			return label
		}
	}
	// Longest label first so "development_tool" is not shadowed by shorter
	// substrings when scanning prose.
	best := ""
	for _, label := range prompts.Labels {
		if label == prompts.ClassUnknown {
			continue
		}
		if strings.Contains(cleaned, label) && len(label) > len(best) {
			best = label
		}
	}
	if best != "" {
		return best
	}
	return prompts.ClassUnknown
}
