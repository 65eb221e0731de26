// Package outline plans the documentation catalog: one model call returning
// a tagged JSON forest, validated and flattened into catalog nodes.
package outline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/prompts"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

const (
	// maxDepth bounds the planned forest.
	maxDepth = 5
	// maxAttempts bounds parse-failure retries (initial call plus 3 retries
	// would exceed the budget; the spec allows 3 attempts total).
	maxAttempts = 3
)

// FailureReason is surfaced in the repository error field when planning
// fails permanently.
const FailureReason = "PLAN_INVALID"

var structureTag = regexp.MustCompile(`(?s)<documentation_structure>(.*?)</documentation_structure>`)

// plannedNode is the JSON shape the model returns.
type plannedNode struct {
	Title    string        `json:"title"`
	Slug     string        `json:"slug"`
	Prompt   string        `json:"prompt"`
	Children []plannedNode `json:"children,omitempty"`
}

// Request carries the planning inputs.
type Request struct {
	Organization   string
	Name           string
	Classification string
	Tree           string
	Readme         string
	UserPrompt     string // owner-provided guidance appended to the prompt
}

// Planner runs the outline stage.
type Planner struct {
	gateway *llm.Gateway
	model   string
}

// New creates a planner using the chat model.
func New(gateway *llm.Gateway, model string) *Planner {
	return &Planner{gateway: gateway, model: model}
}

// Plan asks the model for a catalog forest and returns the flattened nodes
// ready for store.ReplaceCatalog. Parse and validation failures retry up to
// the attempt budget with the prior output appended as context; exhaustion
// returns a PLAN_INVALID error.
func (p *Planner) Plan(ctx context.Context, req *Request) ([]*store.CatalogNode, error) {
	system, user := prompts.Planner(req.Classification, req.Organization, req.Name, req.Tree, req.Readme, req.UserPrompt)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := p.gateway.Chat(ctx, &llm.Request{
			Model:       p.model,
			Temperature: 0.2,
			Messages:    messages,
		})
		if err != nil {
			return nil, err
		}
		nodes, perr := ParseForest(resp.Content)
		if perr == nil {
			slog.Info("Catalog planned",
				logfields.Repository(req.Name), slog.Int("nodes", len(nodes)), slog.Int("attempt", attempt))
			return nodes, nil
		}
		lastErr = perr
		slog.Warn("Catalog plan rejected",
			logfields.Repository(req.Name), slog.Int("attempt", attempt), logfields.Error(perr))
		// Feed the rejected output back so the model can correct itself.
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: prompts.PlannerRetry(resp.Content, perr.Error())},
		)
	}
	return nil, errors.Wrap(lastErr, errors.CategoryPlan, errors.SeverityFatal,
		FailureReason+": planner output unusable after retries")
}

// ParseForest extracts and validates the tagged JSON forest, returning the
// flattened catalog nodes in depth-first order.
func ParseForest(reply string) ([]*store.CatalogNode, error) {
	m := structureTag.FindStringSubmatch(reply)
	if m == nil {
		return nil, errors.ValidationError("missing <documentation_structure> block")
	}
	payload := strings.TrimSpace(m[1])
	var forest []plannedNode
	if err := json.Unmarshal([]byte(payload), &forest); err != nil {
		// Some models wrap the array in an object.
		var wrapper struct {
			Items []plannedNode `json:"items"`
		}
		if werr := json.Unmarshal([]byte(payload), &wrapper); werr != nil || len(wrapper.Items) == 0 {
			return nil, errors.ValidationError("structure block is not a JSON forest: " + err.Error())
		}
		forest = wrapper.Items
	}
	if len(forest) == 0 {
		return nil, errors.ValidationError("empty catalog forest")
	}

	var out []*store.CatalogNode
	usedSlugs := map[string]bool{}
	if err := flatten(forest, "", "", 1, usedSlugs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flatten walks the forest depth-first, assigning dense sibling order and
// repository-unique slugs.
func flatten(nodes []plannedNode, parentID, parentSlug string, depth int, used map[string]bool, out *[]*store.CatalogNode) error {
	if depth > maxDepth {
		return errors.ValidationError(fmt.Sprintf("catalog exceeds maximum depth of %d", maxDepth))
	}
	siblings := map[string]bool{}
	for i, n := range nodes {
		if strings.TrimSpace(n.Title) == "" {
			return errors.ValidationError("catalog node without title")
		}
		slug := n.Slug
		if slug == "" {
			slug = Slugify(n.Title)
		}
		slug = Slugify(slug)
		if slug == "" {
			return errors.ValidationError("catalog node with empty slug: " + n.Title)
		}
		if siblings[slug] {
			return errors.ValidationError("duplicate sibling slug: " + slug)
		}
		siblings[slug] = true
		// Repository-wide uniqueness: qualify with the parent slug when a
		// deeper node reuses a slug seen elsewhere.
		stored := slug
		if used[stored] && parentSlug != "" {
			stored = parentSlug + "-" + slug
		}
		for i := 2; used[stored]; i++ {
			stored = fmt.Sprintf("%s-%d", slug, i)
		}
		used[stored] = true

		node := &store.CatalogNode{
			ParentID:   parentID,
			Title:      strings.TrimSpace(n.Title),
			Slug:       stored,
			Prompt:     strings.TrimSpace(n.Prompt),
			OrderIndex: i,
		}
		// The id is assigned now so children can reference it before the
		// store persists the batch.
		node.ID = newNodeID()
		*out = append(*out, node)
		if len(n.Children) > 0 {
			if err := flatten(n.Children, node.ID, stored, depth+1, used, out); err != nil {
				return err
			}
		}
	}
	return nil
}
