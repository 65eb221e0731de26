package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

// catalogEntry is one node of the rendered documentation forest.
type catalogEntry struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Slug        string          `json:"slug"`
	OrderIndex  int             `json:"order_index"`
	IsCompleted bool            `json:"is_completed"`
	Children    []*catalogEntry `json:"children,omitempty"`
}

type catalogResponse struct {
	Repository *store.Repository `json:"repository"`
	Progress   progress          `json:"progress"`
	Branches   []string          `json:"branches"`
	Catalog    []*catalogEntry   `json:"catalog"`
}

type progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// resolveRepository looks up a repository by the organization/name/branch
// query parameters and runs the access check. branch may be empty.
func (s *Server) resolveRepository(r *http.Request, organization, name, branch string) (*store.Repository, error) {
	if organization == "" || name == "" {
		return nil, errors.ValidationError("organization and name are required")
	}
	repo, err := s.store.FindByTriple(r.Context(), organization, name, branch)
	if err != nil {
		return nil, err
	}
	if err := s.authz.CanAccess(r, repo.ID); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *Server) handleDocumentCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, err := s.resolveRepository(r, q.Get("organization"), q.Get("name"), q.Get("branch"))
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	nodes, err := s.store.ListCatalog(ctx, repo.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	completed, total, err := s.store.CatalogLeafProgress(ctx, repo.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	branches, err := s.store.ListBranches(ctx, repo.Organization, repo.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.IncrementViews(ctx, repo.ID); err != nil {
		slog.Warn("Failed bumping view counter", logfields.RepositoryID(repo.ID), logfields.Error(err))
	}
	_ = writeJSON(w, http.StatusOK, catalogResponse{
		Repository: repo,
		Progress:   progress{Completed: completed, Total: total},
		Branches:   branches,
		Catalog:    buildForest(nodes),
	})
}

// buildForest nests flat catalog rows under their parents, siblings ordered
// by order_index then id.
func buildForest(nodes []*store.CatalogNode) []*catalogEntry {
	entries := make(map[string]*catalogEntry, len(nodes))
	for _, n := range nodes {
		entries[n.ID] = &catalogEntry{
			ID:          n.ID,
			Title:       n.Title,
			Slug:        n.Slug,
			OrderIndex:  n.OrderIndex,
			IsCompleted: n.IsCompleted,
		}
	}
	var roots []*catalogEntry
	for _, n := range nodes {
		e := entries[n.ID]
		if parent, ok := entries[n.ParentID]; ok && n.ParentID != n.ID {
			parent.Children = append(parent.Children, e)
		} else {
			roots = append(roots, e)
		}
	}
	var sortEntries func([]*catalogEntry)
	sortEntries = func(es []*catalogEntry) {
		sort.Slice(es, func(i, j int) bool {
			if es[i].OrderIndex != es[j].OrderIndex {
				return es[i].OrderIndex < es[j].OrderIndex
			}
			return es[i].ID < es[j].ID
		})
		for _, e := range es {
			sortEntries(e.Children)
		}
	}
	sortEntries(roots)
	return roots
}

type documentResponse struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Path           string                 `json:"path"`
	Content        string                 `json:"content"`
	RequestTokens  int                    `json:"request_tokens"`
	ResponseTokens int                    `json:"response_tokens"`
	Sources        []store.FileItemSource `json:"sources"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, err := s.resolveRepository(r, q.Get("owner"), q.Get("name"), q.Get("branch"))
	if err != nil {
		writeError(w, err)
		return
	}
	path := strings.Trim(q.Get("path"), "/")
	if path == "" {
		writeError(w, errors.ValidationError("path is required"))
		return
	}
	ctx := r.Context()
	node, err := s.store.GetNodeBySlug(ctx, repo.ID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := s.store.GetFileItemByNode(ctx, node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	sources, err := s.store.ListSources(ctx, item.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, documentResponse{
		ID:             item.ID,
		Title:          item.Title,
		Path:           node.Slug,
		Content:        item.Content,
		RequestTokens:  item.RequestTokens,
		ResponseTokens: item.ResponseTokens,
		Sources:        sources,
		UpdatedAt:      item.UpdatedAt,
	})
}

type renameNodeRequest struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleRenameCatalogNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	node, err := s.store.GetCatalogNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.CanManage(r, node.RepositoryID); err != nil {
		writeError(w, err)
		return
	}
	var req renameNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, errors.ValidationError("title is required"))
		return
	}
	if err := s.store.RenameNode(r.Context(), id, req.Title, req.Prompt); err != nil {
		writeError(w, err)
		return
	}
	node, err = s.store.GetCatalogNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, node)
}

type updateContentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	item, err := s.store.GetFileItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authz.CanManage(r, item.RepositoryID); err != nil {
		writeError(w, err)
		return
	}
	var req updateContentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, errors.ValidationError("content is required"))
		return
	}
	if err := s.store.UpdateFileItemContent(r.Context(), id, req.Content); err != nil {
		writeError(w, err)
		return
	}
	item, err = s.store.GetFileItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, item)
}

type overviewResponse struct {
	Overview    string   `json:"overview"`
	Description string   `json:"description,omitempty"`
	Progress    progress `json:"progress"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, err := s.resolveRepository(r, q.Get("owner"), q.Get("name"), q.Get("branch"))
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.store.GetDocument(r.Context(), repo.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, overviewResponse{
		Overview:    doc.Overview,
		Description: doc.Description,
		Progress:    progress{Completed: doc.CompletedNodes, Total: doc.TotalNodes},
	})
}

func (s *Server) handleMinimap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, err := s.resolveRepository(r, q.Get("owner"), q.Get("name"), q.Get("branch"))
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.store.GetDocument(r.Context(), repo.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	minimap := json.RawMessage("null")
	if json.Valid([]byte(doc.Minimap)) && doc.Minimap != "" {
		minimap = json.RawMessage(doc.Minimap)
	}
	_ = writeJSON(w, http.StatusOK, map[string]json.RawMessage{"minimap": minimap})
}

type changelogResponse struct {
	Commits   []store.CommitRecord `json:"commits"`
	Changelog string               `json:"changelog"`
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo, err := s.resolveRepository(r, q.Get("owner"), q.Get("name"), q.Get("branch"))
	if err != nil {
		writeError(w, err)
		return
	}
	commits, err := s.store.ListCommits(r.Context(), repo.ID, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	var b strings.Builder
	for _, c := range commits {
		hash := c.Hash
		if len(hash) > 8 {
			hash = hash[:8]
		}
		fmt.Fprintf(&b, "%s %s %s: %s\n",
			c.Timestamp.UTC().Format("2006-01-02"), hash, c.Author, strings.TrimSpace(c.Message))
	}
	_ = writeJSON(w, http.StatusOK, changelogResponse{Commits: commits, Changelog: b.String()})
}

// handleExport streams every generated section, plus the overview, as a ZIP
// of markdown files.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authz.CanAccess(r, id); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.store.ListFileItems(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	nodes, err := s.store.ListCatalog(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	slugByNode := make(map[string]string, len(nodes))
	for _, n := range nodes {
		slugByNode[n.ID] = n.Slug
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if doc, derr := s.store.GetDocument(ctx, id); derr == nil && doc.Overview != "" {
		if err := addZipEntry(zw, "overview.md", doc.Overview); err != nil {
			writeError(w, err)
			return
		}
	}
	// Slugs are unique per repository; titles are not, and duplicate archive
	// entry names break many extractors.
	seen := map[string]int{"overview.md": 1}
	for _, item := range items {
		name := exportFileName(slugByNode[item.CatalogNodeID])
		if name == "section.md" {
			name = exportFileName(item.Title)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = strings.TrimSuffix(name, ".md") + fmt.Sprintf("-%d.md", n)
		}
		if err := addZipEntry(zw, name, item.Content); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		writeError(w, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "finalise archive"))
		return
	}

	filename := fmt.Sprintf("%s-%s-docs.zip", repo.Organization, repo.Name)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Failed writing export body", logfields.Error(err))
	}
}

func addZipEntry(zw *zip.Writer, name, content string) error {
	f, err := zw.Create(name)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "create archive entry")
	}
	if _, err := f.Write([]byte(content)); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "write archive entry")
	}
	return nil
}

// exportFileName turns a node slug (or a title, as fallback) into a safe
// markdown filename.
func exportFileName(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '/':
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "section"
	}
	return name + ".md"
}
