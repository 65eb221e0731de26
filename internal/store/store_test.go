package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRepo(t *testing.T, s *Store, branch string) *Repository {
	t.Helper()
	repo := &Repository{
		Organization: "acme",
		Name:         "toy",
		Branch:       branch,
		Address:      "https://example/acme/toy.git",
	}
	require.NoError(t, s.CreateRepository(context.Background(), repo))
	return repo
}

func TestCreateRepositoryDefaults(t *testing.T) {
	s := newTestStore(t)
	repo := newTestRepo(t, s, "main")
	assert.NotEmpty(t, repo.ID)
	assert.Equal(t, StatusPending, repo.Status)

	got, err := s.GetRepository(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Organization)
	assert.Equal(t, StatusPending, got.Status)
}

func TestTripleUniqueAmongNonFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := newTestRepo(t, s, "main")

	dup := &Repository{Organization: "acme", Name: "toy", Branch: "main", Address: "x"}
	err := s.CreateRepository(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDuplicate))

	// A different branch is a different triple.
	require.NoError(t, s.CreateRepository(ctx, &Repository{
		Organization: "acme", Name: "toy", Branch: "dev", Address: "x",
	}))

	// Once the first row is FAILED the triple frees up.
	require.NoError(t, s.SetFailed(ctx, first.ID, "CLONE_NETWORK"))
	require.NoError(t, s.CreateRepository(ctx, &Repository{
		Organization: "acme", Name: "toy", Branch: "main", Address: "x",
	}))
}

func TestFindByTripleSkipsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	require.NoError(t, s.SetFailed(ctx, repo.ID, "boom"))

	_, err := s.FindByTriple(ctx, "acme", "toy", "main")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestStatusCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	require.NoError(t, s.UpdateStatus(ctx, repo.ID, StatusCloning))
	require.NoError(t, s.CompleteClone(ctx, repo.ID, "abc123", "README.md\nsrc/\n"))
	require.NoError(t, s.SetClassification(ctx, repo.ID, "cli_tool"))

	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClassified, got.Status)
	assert.Equal(t, "abc123", got.Version)
	assert.Equal(t, "cli_tool", got.Classification)
	assert.Contains(t, got.DirectoryTree, "src/")
}

func TestSetFailedBumpsFailureCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	require.NoError(t, s.SetFailed(ctx, repo.ID, "PLAN_INVALID"))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "PLAN_INVALID", got.Error)
	assert.Equal(t, 1, got.FailureCount)
}

func TestResetClearsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	require.NoError(t, s.SetFailed(ctx, repo.ID, "boom"))

	require.NoError(t, s.Reset(ctx, repo.ID))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.Error)
}

func TestListProcessableOrdersResumeBeforeStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := newTestRepo(t, s, "main")
	stalled := &Repository{Organization: "acme", Name: "other", Branch: "main", Address: "x"}
	require.NoError(t, s.CreateRepository(ctx, stalled))
	require.NoError(t, s.UpdateStatus(ctx, stalled.ID, StatusGenerating))
	// Force the heartbeat into the past.
	_, err := s.db.Exec("UPDATE repositories SET updated_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour).Unix(), stalled.ID)
	require.NoError(t, err)

	got, err := s.ListProcessable(ctx, 10, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, stalled.ID, got[0].ID, "stalled in-flight rows resume before pending rows start")
	assert.Equal(t, pending.ID, got[1].ID)

	// A fresh heartbeat removes the in-flight row from the candidate set.
	require.NoError(t, s.Heartbeat(ctx, stalled.ID))
	got, err = s.ListProcessable(ctx, 10, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)
}

func TestDemoteStaleFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestRepo(t, s, "main")
	require.NoError(t, s.SetFailed(ctx, old.ID, "boom"))
	_, err := s.db.Exec("UPDATE repositories SET updated_at = ? WHERE id = ?",
		time.Now().Add(-48*time.Hour).Unix(), old.ID)
	require.NoError(t, err)

	exhausted := &Repository{Organization: "acme", Name: "dead", Branch: "main", Address: "x"}
	require.NoError(t, s.CreateRepository(ctx, exhausted))
	_, err = s.db.Exec("UPDATE repositories SET status = ?, failure_count = 5, updated_at = ? WHERE id = ?",
		StatusFailed, time.Now().Add(-48*time.Hour).Unix(), exhausted.ID)
	require.NoError(t, err)

	n, err := s.DemoteStaleFailures(ctx, time.Now().Add(-24*time.Hour), 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetRepository(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	still, err := s.GetRepository(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, still.Status, "failure threshold blocks the retry")
}

func TestCatalogReplaceAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	nodes := []*CatalogNode{
		{Title: "Getting Started", Slug: "getting-started", OrderIndex: 0},
		{Title: "Architecture", Slug: "architecture", OrderIndex: 1, DependentFiles: []string{"src/main.py"}},
	}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, nodes))

	listed, err := s.ListCatalog(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, []string{"src/main.py"}, listed[1].DependentFiles)

	completed, total, err := s.CatalogProgress(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 2, total)

	// Duplicate slugs within one repository are rejected.
	err = s.ReplaceCatalog(ctx, repo.ID, []*CatalogNode{
		{Title: "A", Slug: "same"}, {Title: "B", Slug: "same"},
	})
	assert.True(t, errors.IsCategory(err, errors.CategoryDuplicate))
}

func TestSaveFileItemMarksNodeComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	nodes := []*CatalogNode{{Title: "Guide", Slug: "guide"}}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, nodes))

	item := &FileItem{
		RepositoryID:  repo.ID,
		CatalogNodeID: nodes[0].ID,
		Title:         "Guide",
		Content:       "# Guide\nBody.",
		RequestTokens: 120, ResponseTokens: 80,
	}
	sources := []FileItemSource{
		{FilePath: "src/main.py", LineStart: 1, LineEnd: 20},
		{FilePath: "README.md"},
	}
	require.NoError(t, s.SaveFileItem(ctx, item, sources))

	node, err := s.GetCatalogNode(ctx, nodes[0].ID)
	require.NoError(t, err)
	assert.True(t, node.IsCompleted)

	got, err := s.GetFileItemByNode(ctx, nodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, len(item.Content), got.Size)

	srcs, err := s.ListSources(ctx, got.ID)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)

	completed, total, err := s.CatalogProgress(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, total)
}

func TestCatalogLeafProgressCountsLeavesOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	parent := &CatalogNode{ID: "n-parent", Title: "Guide", Slug: "guide"}
	leaf := &CatalogNode{ID: "n-leaf", ParentID: "n-parent", Title: "Getting Started", Slug: "guide/getting-started"}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, []*CatalogNode{parent, leaf}))
	require.NoError(t, s.SaveFileItem(ctx, &FileItem{
		RepositoryID: repo.ID, CatalogNodeID: leaf.ID, Title: leaf.Title, Content: "x",
	}, nil))

	// Sections exist only on leaves, so the parent never completes and must
	// not hold the leaf count below its total.
	completed, total, err := s.CatalogLeafProgress(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, total)

	completed, total, err = s.CatalogProgress(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, total, "the all-nodes count keeps the parent")

	// A soft-deleted leaf turns its parent back into a leaf.
	require.NoError(t, s.SoftDeleteNode(ctx, leaf.ID))
	completed, total, err = s.CatalogLeafProgress(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, total)
}

func TestNodesTouchingFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	nodes := []*CatalogNode{
		{Title: "Core", Slug: "core"},
		{Title: "CLI", Slug: "cli"},
	}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, nodes))
	require.NoError(t, s.SaveFileItem(ctx, &FileItem{
		RepositoryID: repo.ID, CatalogNodeID: nodes[0].ID, Title: "Core", Content: "x",
	}, []FileItemSource{{FilePath: "src/core.py"}}))
	require.NoError(t, s.SaveFileItem(ctx, &FileItem{
		RepositoryID: repo.ID, CatalogNodeID: nodes[1].ID, Title: "CLI", Content: "x",
	}, []FileItemSource{{FilePath: "src/cli.py"}}))

	ids, err := s.NodesTouchingFiles(ctx, repo.ID, []string{"src/core.py", "docs/other.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{nodes[0].ID}, ids)

	none, err := s.NodesTouchingFiles(ctx, repo.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHardDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	nodes := []*CatalogNode{{Title: "Guide", Slug: "guide"}}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, nodes))
	require.NoError(t, s.SaveFileItem(ctx, &FileItem{
		RepositoryID: repo.ID, CatalogNodeID: nodes[0].ID, Title: "Guide", Content: "x",
	}, []FileItemSource{{FilePath: "a.py"}}))
	require.NoError(t, s.UpsertDocument(ctx, &Document{RepositoryID: repo.ID, Overview: "o"}))
	require.NoError(t, s.AppendCommits(ctx, repo.ID, []CommitRecord{
		{Hash: "h1", Author: "a", Message: "m", Timestamp: time.Now()},
	}))

	require.NoError(t, s.DeleteRepository(ctx, repo.ID))

	_, err := s.GetCatalogNode(ctx, nodes[0].ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
	_, err = s.GetDocument(ctx, repo.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
	commits, err := s.ListCommits(ctx, repo.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestCommitsNewestFirstAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	base := time.Now().Add(-time.Hour)
	commits := []CommitRecord{
		{Hash: "h1", Message: "first", Timestamp: base},
		{Hash: "h2", Message: "second", Timestamp: base.Add(time.Minute)},
	}
	require.NoError(t, s.AppendCommits(ctx, repo.ID, commits))
	require.NoError(t, s.AppendCommits(ctx, repo.ID, commits)) // replay

	got, err := s.ListCommits(ctx, repo.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h2", got[0].Hash)
	assert.Equal(t, "h1", got[1].Hash)
}

func TestDocumentOverviewAndMinimap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	require.NoError(t, s.SetOverview(ctx, repo.ID, "# Overview", "A toy CLI"))
	require.NoError(t, s.SetMinimap(ctx, repo.ID, `{"title":"toy","url":"","children":[]}`))
	require.NoError(t, s.UpdateProgress(ctx, repo.ID, 3, 5))

	doc, err := s.GetDocument(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Overview", doc.Overview)
	assert.Equal(t, "A toy CLI", doc.Description)
	assert.Contains(t, doc.Minimap, `"title":"toy"`)
	assert.Equal(t, 3, doc.CompletedNodes)
	assert.Equal(t, 5, doc.TotalNodes)
}

func TestDocumentWritersKeepDisjointColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	// The overview builder and the section generator write the document row
	// concurrently; each writer must leave the other's columns intact.
	var wg sync.WaitGroup
	writers := []func() error{
		func() error { return s.SetOverview(ctx, repo.ID, "# Overview", "") },
		func() error { return s.SetMinimap(ctx, repo.ID, `{"title":"toy"}`) },
		func() error { return s.UpdateProgress(ctx, repo.ID, 2, 4) },
	}
	errs := make([]error, len(writers))
	for i, write := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = write()
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	doc, err := s.GetDocument(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Overview", doc.Overview)
	assert.Contains(t, doc.Minimap, `"title":"toy"`)
	assert.Equal(t, 2, doc.CompletedNodes)
	assert.Equal(t, 4, doc.TotalNodes)
}

func TestViewsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	require.NoError(t, s.IncrementViews(ctx, repo.ID))
	require.NoError(t, s.IncrementViews(ctx, repo.ID))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Views)
}

func TestListRepositoriesKeyword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestRepo(t, s, "main")
	require.NoError(t, s.CreateRepository(ctx, &Repository{
		Organization: "globex", Name: "widget", Branch: "main", Address: "https://example/globex/widget.git",
	}))

	got, err := s.ListRepositories(ctx, "glob", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "globex", got[0].Organization)

	n, err := s.CountRepositories(ctx, "glob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountRepositories(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListBranches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestRepo(t, s, "main")
	dev := newTestRepo(t, s, "dev")

	branches, err := s.ListBranches(ctx, "acme", "toy")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "main"}, branches)

	// FAILED registrations drop out of the branch listing.
	require.NoError(t, s.SetFailed(ctx, dev.ID, "boom"))
	branches, err = s.ListBranches(ctx, "acme", "toy")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)
}

func TestNodeBySlugAndRename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	nodes := []*CatalogNode{{Title: "Guide", Slug: "guide"}}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, nodes))

	node, err := s.GetNodeBySlug(ctx, repo.ID, "guide")
	require.NoError(t, err)
	assert.Equal(t, "Guide", node.Title)

	require.NoError(t, s.RenameNode(ctx, node.ID, "Handbook", "be thorough"))
	node, err = s.GetNodeBySlug(ctx, repo.ID, "guide")
	require.NoError(t, err)
	assert.Equal(t, "Handbook", node.Title)
	assert.Equal(t, "be thorough", node.Prompt)

	// Soft-deleted nodes no longer resolve by slug.
	require.NoError(t, s.SoftDeleteNode(ctx, node.ID))
	_, err = s.GetNodeBySlug(ctx, repo.ID, "guide")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestUpdateFileItemContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")
	nodes := []*CatalogNode{{Title: "Guide", Slug: "guide"}}
	require.NoError(t, s.ReplaceCatalog(ctx, repo.ID, nodes))
	item := &FileItem{RepositoryID: repo.ID, CatalogNodeID: nodes[0].ID, Title: "Guide", Content: "old"}
	require.NoError(t, s.SaveFileItem(ctx, item, nil))

	require.NoError(t, s.UpdateFileItemContent(ctx, item.ID, "brand new body"))
	got, err := s.GetFileItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "brand new body", got.Content)
	assert.Equal(t, len("brand new body"), got.Size)

	items, err := s.ListFileItems(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

func TestRepositoryMetaUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	require.NoError(t, s.SetPrompt(ctx, repo.ID, "focus on internals"))
	require.NoError(t, s.SetRecommended(ctx, repo.ID, true))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "focus on internals", got.Prompt)
	assert.True(t, got.Recommended)
}

func TestSetDescriptionKeepsGeneratedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s, "main")

	require.NoError(t, s.SetOverview(ctx, repo.ID, "# Overview", ""))
	require.NoError(t, s.SetDescription(ctx, repo.ID, "hand-written blurb"))
	// Regenerating the overview must not clobber the owner's description.
	require.NoError(t, s.SetOverview(ctx, repo.ID, "# Overview v2", ""))

	doc, err := s.GetDocument(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Overview v2", doc.Overview)
	assert.Equal(t, "hand-written blurb", doc.Description)
}

func TestEventsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, "repo-1", "status_changed",
		[]byte(`{"to":"CLONING"}`), map[string]string{"stage": "clone"}))
	require.NoError(t, s.AppendEvent(ctx, "repo-1", "status_changed",
		[]byte(`{"to":"CLONED"}`), nil))

	events, err := s.EventsForRepository(ctx, "repo-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "status_changed", events[0].EventType)
	assert.Equal(t, "clone", events[0].Metadata["stage"])
}
