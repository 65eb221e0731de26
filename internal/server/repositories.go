package server

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

type createRepositoryRequest struct {
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Branch       string `json:"branch"`
	Address      string `json:"address"`
	Username     string `json:"username"`
	Token        string `json:"token"`
	Prompt       string `json:"prompt"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Organization = strings.TrimSpace(req.Organization)
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.TrimSpace(req.Address)
	if req.Organization == "" || req.Name == "" || req.Address == "" {
		writeError(w, errors.ValidationError("organization, name and address are required"))
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}

	repo := &store.Repository{
		Organization: req.Organization,
		Name:         req.Name,
		Branch:       req.Branch,
		Address:      req.Address,
		Username:     req.Username,
		Token:        req.Token,
		Prompt:       req.Prompt,
	}
	if err := s.store.CreateRepository(r.Context(), repo); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Repository registered",
		logfields.Repository(repo.Organization+"/"+repo.Name),
		logfields.Branch(repo.Branch),
		logfields.RepositoryID(repo.ID))
	_ = writeJSON(w, http.StatusCreated, repo)
}

type repositoryPage struct {
	Items    []*store.Repository `json:"items"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int                 `json:"total"`
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), 20)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	keyword := strings.TrimSpace(q.Get("keyword"))

	repos, err := s.store.ListRepositories(r.Context(), keyword, (page-1)*pageSize, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.CountRepositories(r.Context(), keyword)
	if err != nil {
		writeError(w, err)
		return
	}
	visible := make([]*store.Repository, 0, len(repos))
	for _, repo := range repos {
		if s.authz.CanAccess(r, repo.ID) == nil {
			visible = append(visible, repo)
		}
	}
	_ = writeJSON(w, http.StatusOK, repositoryPage{
		Items:    visible,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	})
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authz.CanAccess(r, id); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, repo)
}

// updateRepositoryRequest uses pointers so absent fields stay untouched.
type updateRepositoryRequest struct {
	Description *string `json:"description"`
	Prompt      *string `json:"prompt"`
	Recommended *bool   `json:"recommended"`
}

func (s *Server) handleUpdateRepository(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authz.CanManage(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req updateRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Description == nil && req.Prompt == nil && req.Recommended == nil {
		writeError(w, errors.ValidationError("nothing to update"))
		return
	}
	ctx := r.Context()
	if req.Prompt != nil {
		if err := s.store.SetPrompt(ctx, id, *req.Prompt); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Recommended != nil {
		if err := s.store.SetRecommended(ctx, id, *req.Recommended); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Description != nil {
		// The description lives on the document, created on demand when the
		// pipeline has not produced one yet.
		if _, err := s.store.GetRepository(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.SetDescription(ctx, id, *req.Description); err != nil {
			writeError(w, err)
			return
		}
	}
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authz.CanManage(r, id); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteRepository(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.git != nil {
		local := s.git.LocalPath(repo.Organization, repo.Name, repo.Branch)
		if err := os.RemoveAll(local); err != nil {
			slog.Warn("Failed removing workspace", logfields.Path(local), logfields.Error(err))
		}
	}
	slog.Info("Repository deleted",
		logfields.Repository(repo.Organization+"/"+repo.Name),
		logfields.Branch(repo.Branch))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetRepository(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authz.CanManage(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Reset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Repository reset", logfields.RepositoryID(id), logfields.Status(string(repo.Status)))
	_ = writeJSON(w, http.StatusOK, repo)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
