// Package section generates the markdown for catalog leaves: tool-assisted
// streaming model calls, bounded fan-out, and per-leaf persistence.
package section

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/semaphore"

	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/prompts"
	"git.home.luguber.info/inful/codewiki/internal/store"
	"git.home.luguber.info/inful/codewiki/internal/tools"
)

var docsTag = regexp.MustCompile(`(?s)<docs>(.*?)</docs>`)

// Store is the subset of the data layer the generator needs.
type Store interface {
	SaveFileItem(ctx context.Context, item *store.FileItem, sources []store.FileItemSource) error
	UpdateProgress(ctx context.Context, repositoryID string, completed, total int) error
	CatalogLeafProgress(ctx context.Context, repositoryID string) (completed, total int, err error)
}

// ToolboxFactory builds a fresh toolbox (with its own touched-file recorder)
// for each leaf.
type ToolboxFactory func() *tools.Toolbox

// Generator runs the section stage for one repository.
type Generator struct {
	gateway     *llm.Gateway
	store       Store
	model       string
	concurrency int64
}

// New creates a generator. concurrency bounds parallel leaves; values below
// one fall back to the default of five.
func New(gateway *llm.Gateway, st Store, model string, concurrency int) *Generator {
	if concurrency < 1 {
		concurrency = 5
	}
	return &Generator{gateway: gateway, store: st, model: model, concurrency: int64(concurrency)}
}

// Leaves returns the leaf nodes of a catalog in deterministic generation
// order: depth-first, order_index ascending within siblings.
func Leaves(nodes []*store.CatalogNode) []*store.CatalogNode {
	children := map[string][]*store.CatalogNode{}
	hasChild := map[string]bool{}
	for _, n := range nodes {
		children[n.ParentID] = append(children[n.ParentID], n)
		if n.ParentID != "" {
			hasChild[n.ParentID] = true
		}
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].OrderIndex != siblings[j].OrderIndex {
				return siblings[i].OrderIndex < siblings[j].OrderIndex
			}
			return siblings[i].ID < siblings[j].ID
		})
	}
	var leaves []*store.CatalogNode
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, n := range children[parentID] {
			if hasChild[n.ID] {
				walk(n.ID)
				continue
			}
			leaves = append(leaves, n)
		}
	}
	walk("")
	return leaves
}

// Run generates every incomplete leaf. A failing leaf is logged and skipped;
// siblings proceed. The error return covers only context cancellation.
func (g *Generator) Run(ctx context.Context, repo *store.Repository, nodes []*store.CatalogNode, readme string, factory ToolboxFactory) error {
	leaves := Leaves(nodes)
	sem := semaphore.NewWeighted(g.concurrency)
	done := make(chan struct{}, len(leaves))
	pending := 0

	for _, leaf := range leaves {
		if leaf.IsCompleted {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		pending++
		go func(leaf *store.CatalogNode) {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			if err := g.generateLeaf(ctx, repo, leaf, readme, factory()); err != nil {
				slog.Error("Section generation failed",
					logfields.Repository(repo.Name),
					logfields.Node(leaf.Slug),
					logfields.Error(err))
			}
		}(leaf)
	}
	for i := 0; i < pending; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if completed, total, err := g.store.CatalogLeafProgress(ctx, repo.ID); err == nil {
		_ = g.store.UpdateProgress(ctx, repo.ID, completed, total)
	}
	return ctx.Err()
}

func (g *Generator) generateLeaf(ctx context.Context, repo *store.Repository, leaf *store.CatalogNode, readme string, tb *tools.Toolbox) error {
	system, user := prompts.Section(repo.Classification, leaf.Title, leaf.Prompt, repo.DirectoryTree, readme)
	req := &llm.Request{
		Model:       g.model,
		Temperature: 0.3,
		Tools:       tb.Definitions(),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	}

	var streamed strings.Builder
	resp, err := g.gateway.RunToolLoop(ctx, req, tb, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		return err
	}

	content := resp.Content
	if content == "" {
		content = streamed.String()
	}
	content = ExtractDocs(content)
	if strings.TrimSpace(content) == "" {
		slog.Warn("Section reply was empty, leaving node incomplete",
			logfields.Repository(repo.Name), logfields.Node(leaf.Slug))
		return nil
	}

	item := &store.FileItem{
		RepositoryID:   repo.ID,
		CatalogNodeID:  leaf.ID,
		Title:          leaf.Title,
		Content:        content,
		RequestTokens:  resp.Usage.PromptTokens,
		ResponseTokens: resp.Usage.CompletionTokens,
	}
	if err := g.store.SaveFileItem(ctx, item, tb.Recorder().Sources()); err != nil {
		return err
	}
	slog.Info("Section generated",
		logfields.Repository(repo.Name),
		logfields.Node(leaf.Slug),
		logfields.Tokens(resp.Usage.TotalTokens))
	return nil
}

// ExtractDocs pulls the markdown body out of a <docs> wrapper, falling back
// to the whole reply when the wrapper is absent.
func ExtractDocs(reply string) string {
	if m := docsTag.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(reply)
}
