package overview

import (
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/outline"
)

var (
	errNoJSON  = errors.ValidationError("mini-map reply contains no JSON object")
	errNoTitle = errors.ValidationError("mini-map root has no title")
)

// headingChildren extracts top-two-level markdown headings as mini-map
// children. Used when both the model reply and the catalog are empty.
func headingChildren(markdown string) []MinimapNode {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	body := []byte(markdown)
	md := goldmark.New()
	root := md.Parser().Parse(text.NewReader(body))

	var out []MinimapNode
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		h, ok := n.(*gmast.Heading)
		if !ok || h.Level > 2 {
			return gmast.WalkContinue, nil
		}
		title := headingText(h, body)
		if title == "" {
			return gmast.WalkContinue, nil
		}
		out = append(out, MinimapNode{Title: title, URL: outline.Slugify(title)})
		return gmast.WalkSkipChildren, nil
	})
	return out
}

func headingText(h *gmast.Heading, body []byte) string {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*gmast.Text); ok {
			b.Write(t.Segment.Value(body))
		}
	}
	return strings.TrimSpace(b.String())
}
