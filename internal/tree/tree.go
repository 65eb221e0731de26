// Package tree renders a compact textual directory listing for prompt
// consumption. One line per entry, two-space indentation per depth level, a
// trailing "/" on directories. Output is deterministic for a given input.
package tree

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/codewiki/internal/ignore"
)

// DefaultMaxBytes caps the rendered listing. When exceeded, deep
// subdirectories are elided first, and asset files are dropped before source
// files.
const DefaultMaxBytes = 60 * 1024

// Extensions treated as source code; kept in preference to assets when the
// listing must shrink.
var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true,
	".cs": true, ".rb": true, ".rs": true, ".php": true, ".kt": true, ".swift": true,
	".scala": true, ".sh": true, ".sql": true, ".proto": true,
	".md": true, ".yaml": true, ".yml": true, ".toml": true, ".json": true, ".mod": true,
}

type node struct {
	name     string
	isDir    bool
	children []*node
}

// Builder renders compact listings with a configurable byte cap.
type Builder struct {
	MaxBytes int
}

// NewBuilder returns a Builder with the default cap.
func NewBuilder() *Builder { return &Builder{MaxBytes: DefaultMaxBytes} }

// Build walks root (honoring the ignore filter) and renders the listing.
func (b *Builder) Build(root string, filter *ignore.Filter) (string, error) {
	if filter == nil {
		filter = ignore.New()
	}
	rootNode, err := scan(root, "", filter)
	if err != nil {
		return "", err
	}
	maxBytes := b.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	depth := maxDepth(rootNode)
	for d := depth; d >= 1; d-- {
		if out := render(rootNode, d, true); len(out) <= maxBytes {
			return out, nil
		}
		if out := render(rootNode, d, false); len(out) <= maxBytes {
			return out, nil
		}
	}
	// Even a single level does not fit; hard-truncate at a line boundary.
	out := render(rootNode, 1, false)
	if len(out) > maxBytes {
		cut := strings.LastIndexByte(out[:maxBytes], '\n')
		if cut < 0 {
			cut = maxBytes
		}
		out = out[:cut] + "\n...\n"
	}
	return out, nil
}

func scan(dir, rel string, filter *ignore.Filter) (*node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	n := &node{name: filepath.Base(dir), isDir: true}
	sort.Slice(entries, func(i, j int) bool {
		// directories first, then lexical; keeps output stable
		di, dj := entries[i].IsDir(), entries[j].IsDir()
		if di != dj {
			return di
		}
		return entries[i].Name() < entries[j].Name()
	})
	for _, e := range entries {
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}
		if filter.Match(childRel, e.IsDir()) {
			continue
		}
		if e.IsDir() {
			child, err := scan(filepath.Join(dir, e.Name()), childRel, filter)
			if err != nil {
				continue // unreadable subdirectory, skip
			}
			n.children = append(n.children, child)
		} else {
			n.children = append(n.children, &node{name: e.Name()})
		}
	}
	return n, nil
}

func maxDepth(n *node) int {
	d := 0
	for _, c := range n.children {
		cd := 1
		if c.isDir {
			cd = 1 + maxDepth(c)
		}
		if cd > d {
			d = cd
		}
	}
	return d
}

func render(root *node, depthLimit int, includeAssets bool) string {
	var b strings.Builder
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		for _, c := range n.children {
			if !c.isDir && !includeAssets && !sourceExts[strings.ToLower(filepath.Ext(c.name))] {
				continue
			}
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(c.name)
			if c.isDir {
				b.WriteString("/")
				if depth+1 >= depthLimit && len(c.children) > 0 {
					b.WriteString(" ...")
				}
			}
			b.WriteString("\n")
			if c.isDir && depth+1 < depthLimit {
				walk(c, depth+1)
			}
		}
	}
	walk(root, 0)
	return b.String()
}
