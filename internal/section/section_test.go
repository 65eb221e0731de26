package section

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/codewiki/internal/codemap"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/retry"
	"git.home.luguber.info/inful/codewiki/internal/store"
	"git.home.luguber.info/inful/codewiki/internal/tools"
)

func node(id, parentID, slug string, order int, completed bool) *store.CatalogNode {
	return &store.CatalogNode{ID: id, ParentID: parentID, Title: slug, Slug: slug, OrderIndex: order, IsCompleted: completed}
}

func TestLeavesDepthFirstOrder(t *testing.T) {
	nodes := []*store.CatalogNode{
		node("b", "", "second", 1, false),
		node("a", "", "first", 0, false),
		node("a1", "a", "first-child", 0, false),
		node("a2", "a", "first-other", 1, false),
		node("b1", "b", "second-child", 0, false),
	}
	leaves := Leaves(nodes)
	require.Len(t, leaves, 3)
	assert.Equal(t, "a1", leaves[0].ID)
	assert.Equal(t, "a2", leaves[1].ID)
	assert.Equal(t, "b1", leaves[2].ID)
}

func TestLeavesParentWithChildrenIsNotALeaf(t *testing.T) {
	nodes := []*store.CatalogNode{
		node("p", "", "parent", 0, false),
		node("c", "p", "child", 0, false),
	}
	leaves := Leaves(nodes)
	require.Len(t, leaves, 1)
	assert.Equal(t, "c", leaves[0].ID)
}

func TestExtractDocs(t *testing.T) {
	assert.Equal(t, "# Title\nbody", ExtractDocs("preamble <docs>\n# Title\nbody\n</docs> trailing"))
	assert.Equal(t, "bare reply", ExtractDocs("  bare reply  "), "missing wrapper falls back to the whole reply")
}

type memStore struct {
	mu    sync.Mutex
	items map[string]*store.FileItem
	total int
}

func newMemStore(total int) *memStore {
	return &memStore{items: map[string]*store.FileItem{}, total: total}
}

func (m *memStore) SaveFileItem(_ context.Context, item *store.FileItem, sources []store.FileItemSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.CatalogNodeID] = item
	return nil
}

func (m *memStore) UpdateProgress(context.Context, string, int, int) error { return nil }

func (m *memStore) CatalogLeafProgress(context.Context, string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), m.total, nil
}

// sectionProvider answers every leaf, failing requests whose user prompt
// mentions failOn.
type sectionProvider struct {
	mu     sync.Mutex
	calls  int
	failOn string
}

func (s *sectionProvider) Name() string { return "section" }

func (s *sectionProvider) Chat(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	user := req.Messages[len(req.Messages)-1].Content
	if s.failOn != "" && strings.Contains(user, s.failOn) {
		return nil, fmt.Errorf("provider exploded")
	}
	return &llm.Response{
		Content:    "<docs>\n# Section\n\ngenerated body\n</docs>",
		StopReason: llm.StopReasonStop,
		Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *sectionProvider) ChatStream(ctx context.Context, req *llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	return s.Chat(ctx, req)
}

func newGenerator(p llm.Provider, st Store) *Generator {
	g := llm.NewWithProvider(p, retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, MaxRetries: 0}, time.Minute)
	return New(g, st, "gpt-4o", 2)
}

func testFactory(t *testing.T) ToolboxFactory {
	t.Helper()
	root := t.TempDir()
	return func() *tools.Toolbox {
		return tools.New(root, "repo-1", "README.md", codemap.NewAnalyzer(root, nil), nil)
	}
}

func TestRunGeneratesAllLeaves(t *testing.T) {
	st := newMemStore(2)
	gen := newGenerator(&sectionProvider{}, st)
	repo := &store.Repository{ID: "repo-1", Name: "toy"}
	nodes := []*store.CatalogNode{
		node("n1", "", "intro", 0, false),
		node("n2", "", "usage", 1, false),
	}

	err := gen.Run(context.Background(), repo, nodes, "readme", testFactory(t))
	require.NoError(t, err)
	require.Len(t, st.items, 2)
	assert.Contains(t, st.items["n1"].Content, "generated body")
	assert.NotContains(t, st.items["n1"].Content, "<docs>")
	assert.Equal(t, 10, st.items["n1"].RequestTokens)
	assert.Equal(t, 5, st.items["n1"].ResponseTokens)
}

func TestRunSkipsCompletedLeaves(t *testing.T) {
	st := newMemStore(2)
	p := &sectionProvider{}
	gen := newGenerator(p, st)
	repo := &store.Repository{ID: "repo-1", Name: "toy"}
	nodes := []*store.CatalogNode{
		node("n1", "", "intro", 0, true),
		node("n2", "", "usage", 1, false),
	}

	err := gen.Run(context.Background(), repo, nodes, "readme", testFactory(t))
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
	assert.NotContains(t, st.items, "n1")
}

func TestRunFailingLeafDoesNotAbortSiblings(t *testing.T) {
	st := newMemStore(3)
	p := &sectionProvider{failOn: "usage"}
	gen := newGenerator(p, st)
	repo := &store.Repository{ID: "repo-1", Name: "toy"}
	nodes := []*store.CatalogNode{
		node("n1", "", "intro", 0, false),
		node("n2", "", "usage", 1, false),
		node("n3", "", "faq", 2, false),
	}

	err := gen.Run(context.Background(), repo, nodes, "readme", testFactory(t))
	require.NoError(t, err)
	assert.Contains(t, st.items, "n1")
	assert.NotContains(t, st.items, "n2")
	assert.Contains(t, st.items, "n3")
}

func TestRunCancelledContext(t *testing.T) {
	st := newMemStore(1)
	gen := newGenerator(&sectionProvider{}, st)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gen.Run(ctx, &store.Repository{ID: "repo-1", Name: "toy"},
		[]*store.CatalogNode{node("n1", "", "intro", 0, false)}, "readme", testFactory(t))
	require.Error(t, err)
}
