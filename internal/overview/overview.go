// Package overview builds the two top-level artifacts of a documented
// repository: the project overview text and the knowledge-graph mini-map.
package overview

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/prompts"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

var blogTag = regexp.MustCompile(`(?s)<blog>(.*?)</blog>`)

// MinimapNode is the knowledge-graph tree shape stored on the Document.
type MinimapNode struct {
	Title    string        `json:"title"`
	URL      string        `json:"url"`
	Children []MinimapNode `json:"children,omitempty"`
}

// Builder runs the overview stage. Persistence is the caller's concern.
type Builder struct {
	gateway *llm.Gateway
	model   string
}

func New(gateway *llm.Gateway, model string) *Builder {
	return &Builder{gateway: gateway, model: model}
}

// Overview produces the project overview text.
func (b *Builder) Overview(ctx context.Context, repo *store.Repository, readme string) (string, error) {
	system, user := prompts.Overview(repo.Classification, repo.Organization, repo.Name, repo.DirectoryTree, readme)
	resp, err := b.gateway.Chat(ctx, &llm.Request{
		Model:       b.model,
		Temperature: 0.3,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	return CleanOverview(resp.Content), nil
}

// Minimap produces the mini-map JSON. Parse failures fall back to a tree
// derived from the catalog itself and are never fatal; when even the
// fallback has nothing to offer the result is the empty string.
func (b *Builder) Minimap(ctx context.Context, repo *store.Repository, catalog []*store.CatalogNode, overviewMarkdown string) string {
	titles := make([]string, 0, len(catalog))
	for _, n := range catalog {
		titles = append(titles, n.Title+" ("+n.Slug+")")
	}
	system, user := prompts.Minimap(repo.Name, titles)
	resp, err := b.gateway.Chat(ctx, &llm.Request{
		Model:       b.model,
		Temperature: 0.2,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err == nil {
		if root, perr := ParseMinimap(resp.Content); perr == nil {
			encoded, _ := json.Marshal(root)
			return string(encoded)
		} else {
			slog.Warn("Mini-map reply unparseable, deriving from catalog",
				logfields.Repository(repo.Name), logfields.Error(perr))
		}
	} else {
		slog.Warn("Mini-map call failed, deriving from catalog",
			logfields.Repository(repo.Name), logfields.Error(err))
	}

	root := FromCatalog(repo.Name, catalog)
	if len(root.Children) == 0 {
		root.Children = headingChildren(overviewMarkdown)
	}
	if len(root.Children) == 0 {
		return ""
	}
	encoded, _ := json.Marshal(root)
	return string(encoded)
}

// CleanOverview unwraps a <blog> envelope and strips residual HTML tags,
// keeping the markdown text intact.
func CleanOverview(reply string) string {
	if m := blogTag.FindStringSubmatch(reply); m != nil {
		reply = m[1]
	}
	return strings.TrimSpace(stripTags(reply))
}

// stripTags drops HTML elements while keeping text content. Fenced code
// blocks pass through untouched so generics and shell redirects survive.
func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var out strings.Builder
	inFence := false
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			out.WriteString(line)
			continue
		}
		if inFence || !strings.Contains(line, "<") {
			out.WriteString(line)
			continue
		}
		out.WriteString(stripLineTags(line))
	}
	return out.String()
}

func stripLineTags(line string) string {
	tok := html.NewTokenizer(strings.NewReader(line))
	var out strings.Builder
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			return out.String()
		}
		if tt == html.TextToken {
			out.Write(tok.Text())
		}
	}
}

// ParseMinimap extracts the {title, url, children} tree from a model reply
// that may carry prose or a code fence around the JSON.
func ParseMinimap(reply string) (*MinimapNode, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	var root MinimapNode
	if err := json.Unmarshal([]byte(reply[start:end+1]), &root); err != nil {
		return nil, err
	}
	if strings.TrimSpace(root.Title) == "" {
		return nil, errNoTitle
	}
	return &root, nil
}

// FromCatalog rebuilds the mini-map directly from catalog structure when the
// model reply was unusable.
func FromCatalog(name string, catalog []*store.CatalogNode) *MinimapNode {
	byParent := map[string][]*store.CatalogNode{}
	for _, n := range catalog {
		if n.IsDeleted {
			continue
		}
		byParent[n.ParentID] = append(byParent[n.ParentID], n)
	}
	var build func(parentID string) []MinimapNode
	build = func(parentID string) []MinimapNode {
		var out []MinimapNode
		for _, n := range byParent[parentID] {
			out = append(out, MinimapNode{Title: n.Title, URL: n.Slug, Children: build(n.ID)})
		}
		return out
	}
	return &MinimapNode{Title: name, URL: "", Children: build("")}
}
