// Package server exposes the documentation pipeline over HTTP: repository
// CRUD, generated catalog and section reads, manual edits, changelog and
// markdown export. Authorization is delegated to the Authorizer collaborator.
package server

import (
	"net/http"

	"git.home.luguber.info/inful/codewiki/internal/gitws"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

// Server holds the handler dependencies. Construct with New.
type Server struct {
	store   *store.Store
	git     *gitws.Client
	authz   Authorizer
	metrics http.Handler
}

// Option configures optional collaborators.
type Option func(*Server)

// WithAuthorizer replaces the permissive default access policy.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.authz = a }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithGitClient enables workspace removal on repository delete.
func WithGitClient(c *gitws.Client) Option {
	return func(s *Server) { s.git = c }
}

// New creates the server. The default policy allows every caller.
func New(st *store.Store, opts ...Option) *Server {
	s := &Server{store: st, authz: AllowAll{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routing table. Method-qualified patterns reject wrong
// verbs with 405 without per-handler checks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /repository", s.handleCreateRepository)
	mux.HandleFunc("GET /repository", s.handleListRepositories)
	mux.HandleFunc("GET /repository/{id}", s.handleGetRepository)
	mux.HandleFunc("PUT /repository/{id}", s.handleUpdateRepository)
	mux.HandleFunc("DELETE /repository/{id}", s.handleDeleteRepository)
	mux.HandleFunc("POST /repository/{id}/reset", s.handleResetRepository)

	mux.HandleFunc("GET /document-catalog", s.handleDocumentCatalog)
	mux.HandleFunc("GET /document", s.handleDocument)
	mux.HandleFunc("PUT /catalog/{id}", s.handleRenameCatalogNode)
	mux.HandleFunc("PUT /content/{id}", s.handleUpdateContent)
	mux.HandleFunc("GET /overview", s.handleOverview)
	mux.HandleFunc("GET /mini-map", s.handleMinimap)
	mux.HandleFunc("GET /change-log", s.handleChangelog)
	mux.HandleFunc("GET /export/{id}", s.handleExport)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return chain(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
