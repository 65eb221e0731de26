package server

import (
	"net/http"
)

// Authorizer is the access-control collaborator. Implementations resolve the
// request to a caller and answer per-repository questions; handlers never
// inspect roles themselves. Return a permission-category error to deny.
type Authorizer interface {
	// CanAccess gates read operations on a repository.
	CanAccess(r *http.Request, repositoryID string) error
	// CanManage gates mutations: update, delete, reset, content edits.
	CanManage(r *http.Request, repositoryID string) error
}

// AllowAll permits every request. The default when no auth subsystem is
// wired in.
type AllowAll struct{}

func (AllowAll) CanAccess(*http.Request, string) error { return nil }
func (AllowAll) CanManage(*http.Request, string) error { return nil }
