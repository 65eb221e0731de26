package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/codewiki/internal/config"
	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/gitws"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/outline"
	"git.home.luguber.info/inful/codewiki/internal/retry"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

const testPlan = `<documentation_structure>
[
  {"title": "Getting Started", "slug": "getting-started", "prompt": "Install and run."},
  {"title": "Internals", "slug": "internals", "prompt": "Architecture."}
]
</documentation_structure>`

// routingProvider answers each pipeline stage by recognising its system
// prompt. Section requests make one read_files tool call before replying so
// the generated items carry README.md as a source.
type routingProvider struct {
	mu          sync.Mutex
	calls       int
	breakPlan   bool
	plan        string
	sectionBody string
}

func (p *routingProvider) Name() string { return "routing" }

func (p *routingProvider) Chat(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	system := ""
	toolTurnSeen := false
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = m.Content
		}
		if m.Role == llm.RoleTool {
			toolTurnSeen = true
		}
	}
	reply := func(content string) (*llm.Response, error) {
		return &llm.Response{
			Content:    content,
			StopReason: llm.StopReasonStop,
			Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}

	switch {
	case strings.Contains(system, "classify software repositories"):
		return reply("<classify>library</classify>")
	case strings.Contains(system, "documentation architect"):
		if p.breakPlan {
			return reply("I would rather describe the plan in prose.")
		}
		if p.plan != "" {
			return reply(p.plan)
		}
		return reply(testPlan)
	case strings.Contains(system, "one section"):
		if !toolTurnSeen {
			return &llm.Response{
				StopReason: llm.StopReasonToolCalls,
				ToolCalls:  []llm.ToolCall{{ID: "call-1", Name: "read_files", Arguments: `{"paths":["README.md"]}`}},
				Usage:      llm.Usage{PromptTokens: 10, TotalTokens: 10},
			}, nil
		}
		body := p.sectionBody
		if body == "" {
			body = "section body"
		}
		return reply("<docs>\n# Section\n\n" + body + "\n</docs>")
	case strings.Contains(system, "project overview"):
		return reply("<blog># Toy\n\nA demo project.</blog>")
	case strings.Contains(system, "navigation mini-map"):
		return reply(`{"title":"toy","url":"","children":[{"title":"Getting Started","url":"getting-started"}]}`)
	default:
		return reply("unexpected request")
	}
}

func (p *routingProvider) ChatStream(ctx context.Context, req *llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		if ferr := fn(resp.Content); ferr != nil {
			return nil, ferr
		}
	}
	return resp, nil
}

// newRemote initialises a local git repository serving as the clone source.
func newRemote(t *testing.T) (string, func(name, content, msg string) string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	commit := func(name, content, msg string) string {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
		hash, err := wt.Commit(msg, &git.CommitOptions{
			Author: &object.Signature{Name: "tester", Email: "t@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return hash.String()
	}
	commit("README.md", "# toy\n\nA demo.", "initial commit")
	commit("main.py", "def main():\n    pass\n", "add main")
	return dir, commit
}

func newOrchestrator(t *testing.T, p llm.Provider) (*Orchestrator, *store.Store, *config.Config) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.RepositoryRoot = t.TempDir()
	cfg.SectionConcurrency = 2

	gateway := llm.NewWithProvider(p, retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, MaxRetries: 0}, time.Minute)
	git := gitws.NewClient(cfg.RepositoryRoot)
	require.NoError(t, git.EnsureRoot())
	return New(cfg, st, git, gateway, NewEventSink(st, ""), nil, nil), st, cfg
}

func createRepo(t *testing.T, st *store.Store, remote string) *store.Repository {
	t.Helper()
	repo := &store.Repository{Organization: "acme", Name: "toy", Branch: "master", Address: remote}
	require.NoError(t, st.CreateRepository(context.Background(), repo))
	return repo
}

func TestRunEndToEnd(t *testing.T) {
	remote, _ := newRemote(t)
	o, st, _ := newOrchestrator(t, &routingProvider{})
	repo := createRepo(t, st, remote)
	ctx := context.Background()

	require.NoError(t, o.Run(ctx, repo.ID))

	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "library", got.Classification)
	assert.NotEmpty(t, got.Version)
	assert.Empty(t, got.Error)

	catalog, err := st.ListCatalog(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, catalog, 2)
	for _, n := range catalog {
		assert.True(t, n.IsCompleted, "leaf %s must be completed", n.Slug)
		item, err := st.GetFileItemByNode(ctx, n.ID)
		require.NoError(t, err)
		assert.Contains(t, item.Content, "section body")
		sources, err := st.ListSources(ctx, item.ID)
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.Equal(t, "README.md", sources[0].FilePath)
	}

	doc, err := st.GetDocument(ctx, repo.ID)
	require.NoError(t, err)
	assert.Contains(t, doc.Overview, "A demo project.")
	assert.NotEmpty(t, doc.Minimap)
	assert.Equal(t, 2, doc.CompletedNodes)
	assert.Equal(t, 2, doc.TotalNodes)

	commits, err := st.ListCommits(ctx, repo.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, commits)
	assert.Equal(t, got.Version, commits[0].Hash)

	events, err := st.EventsForRepository(ctx, repo.ID)
	require.NoError(t, err)
	var transitions []string
	for _, e := range events {
		if e.EventType == EventStatusChanged {
			transitions = append(transitions, e.Metadata["status"])
		}
	}
	assert.Equal(t, []string{"CLONING", "CLONED", "CLASSIFIED", "OUTLINED", "GENERATING", "COMPLETED"}, transitions)
}

func TestRunNestedCatalogCompletes(t *testing.T) {
	remote, _ := newRemote(t)
	p := &routingProvider{plan: `<documentation_structure>
[
  {"title": "Guide", "slug": "guide", "prompt": "Group the guides.", "children": [
    {"title": "Getting Started", "slug": "getting-started", "prompt": "Install and run."},
    {"title": "Internals", "slug": "internals", "prompt": "Architecture."}
  ]}
]
</documentation_structure>`}
	o, st, _ := newOrchestrator(t, p)
	repo := createRepo(t, st, remote)
	ctx := context.Background()

	require.NoError(t, o.Run(ctx, repo.ID))

	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status, "grouping nodes must not hold the run in GENERATING")

	catalog, err := st.ListCatalog(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, catalog, 3)
	for _, n := range catalog {
		if n.ParentID == "" {
			// The parent only groups its children; no section is written for it.
			assert.False(t, n.IsCompleted)
			_, err := st.GetFileItemByNode(ctx, n.ID)
			assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
			continue
		}
		assert.True(t, n.IsCompleted, "leaf %s must be completed", n.Slug)
		item, err := st.GetFileItemByNode(ctx, n.ID)
		require.NoError(t, err)
		assert.Contains(t, item.Content, "section body")
	}

	doc, err := st.GetDocument(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.CompletedNodes)
	assert.Equal(t, 2, doc.TotalNodes)
}

func TestRunPlanInvalidFails(t *testing.T) {
	remote, _ := newRemote(t)
	o, st, _ := newOrchestrator(t, &routingProvider{breakPlan: true})
	repo := createRepo(t, st, remote)
	ctx := context.Background()

	err := o.Run(ctx, repo.ID)
	require.Error(t, err)

	got, gerr := st.GetRepository(ctx, repo.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, outline.FailureReason, got.Error)
	assert.Equal(t, 1, got.FailureCount)
}

func TestRunSkipsFailedRepository(t *testing.T) {
	remote, _ := newRemote(t)
	p := &routingProvider{}
	o, st, _ := newOrchestrator(t, p)
	repo := createRepo(t, st, remote)
	ctx := context.Background()
	require.NoError(t, st.SetFailed(ctx, repo.ID, "CLONE_NETWORK"))

	require.NoError(t, o.Run(ctx, repo.ID))
	assert.Equal(t, 0, p.calls)
}

func TestRunResumesFromClassified(t *testing.T) {
	remote, _ := newRemote(t)
	p := &routingProvider{}
	o, st, _ := newOrchestrator(t, p)
	repo := createRepo(t, st, remote)
	ctx := context.Background()

	// First run completes; force the status back to CLASSIFIED to simulate a
	// crash after the classifier checkpoint.
	require.NoError(t, o.Run(ctx, repo.ID))
	require.NoError(t, st.SetClassification(ctx, repo.ID, "library"))
	before := p.calls

	require.NoError(t, o.Run(ctx, repo.ID))
	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Greater(t, p.calls, before, "outline and generation re-ran")
}

func TestRunIncrementalUpdate(t *testing.T) {
	remote, commit := newRemote(t)
	p := &routingProvider{}
	o, st, _ := newOrchestrator(t, p)
	repo := createRepo(t, st, remote)
	ctx := context.Background()

	require.NoError(t, o.Run(ctx, repo.ID))
	first, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)

	// No new commits: only the timestamp refreshes.
	require.NoError(t, o.Run(ctx, repo.ID))
	unchanged, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, unchanged.Version)

	// A commit touching README.md invalidates every node that cited it.
	p.sectionBody = "regenerated body"
	newHead := commit("README.md", "# toy\n\nA demo, updated.", "update readme")

	require.NoError(t, o.Run(ctx, repo.ID))
	updated, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, updated.Status)
	assert.Equal(t, newHead, updated.Version)
	assert.Equal(t, "library", updated.Classification, "classification is not revisited")

	catalog, err := st.ListCatalog(ctx, repo.ID)
	require.NoError(t, err)
	for _, n := range catalog {
		assert.True(t, n.IsCompleted)
		item, err := st.GetFileItemByNode(ctx, n.ID)
		require.NoError(t, err)
		assert.Contains(t, item.Content, "regenerated body")
	}

	commits, err := st.ListCommits(ctx, repo.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, newHead, commits[0].Hash, "changelog records the new head first")
}

func TestRunCancelledRecordsError(t *testing.T) {
	remote, _ := newRemote(t)
	o, st, _ := newOrchestrator(t, &routingProvider{})
	repo := createRepo(t, st, remote)

	// Simulate a crash-resumed run that gets cancelled before the workspace
	// can be re-established.
	require.NoError(t, st.UpdateStatus(context.Background(), repo.ID, store.StatusCloned))
	got, err := st.GetRepository(context.Background(), repo.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, o.process(ctx, got))

	after, gerr := st.GetRepository(context.Background(), repo.ID)
	require.NoError(t, gerr)
	assert.Equal(t, cancelledReason, after.Error)
	assert.Equal(t, store.StatusCloned, after.Status, "cancellation keeps the last checkpoint")
}
