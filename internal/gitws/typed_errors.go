package gitws

import (
	"fmt"
	"strings"
)

// Typed git errors enabling structured classification without string parsing
// upstream. The code constants surface verbatim in the repository error field.
const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeNotFound     = "NOT_FOUND"
	CodeNetwork      = "NETWORK"
	CodeDisk         = "DISK"
	CodeSyncConflict = "SYNC_CONFLICT"
)

type AuthRequiredError struct {
	Op  string
	URL string
	Err error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", CodeAuthRequired, e.Op, e.URL, e.Err)
}
func (e *AuthRequiredError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Op  string
	URL string
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", CodeNotFound, e.Op, e.URL, e.Err)
}
func (e *NotFoundError) Unwrap() error { return e.Err }

type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", CodeNetwork, e.Op, e.URL, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

type DiskError struct {
	Op   string
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", CodeDisk, e.Op, e.Path, e.Err)
}
func (e *DiskError) Unwrap() error { return e.Err }

// SyncConflictError reports a pull that cannot fast-forward. The worktree is
// left untouched when this is returned.
type SyncConflictError struct {
	Path   string
	Branch string
	Err    error
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("%s: %s@%s cannot fast-forward: %v", CodeSyncConflict, e.Path, e.Branch, e.Err)
}
func (e *SyncConflictError) Unwrap() error { return e.Err }

// classifyRemoteError wraps clone/fetch failures into typed variants when
// possible. Unrecognised failures default to the transient network class.
func classifyRemoteError(op, url string, err error) error {
	if err == nil {
		return nil
	}
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication required"),
		strings.Contains(l, "authorization failed"),
		strings.Contains(l, "invalid auth"),
		strings.Contains(l, "401"),
		strings.Contains(l, "403"):
		return &AuthRequiredError{Op: op, URL: url, Err: err}
	case strings.Contains(l, "repository not found"),
		strings.Contains(l, "repository does not exist"),
		strings.Contains(l, "not found"):
		return &NotFoundError{Op: op, URL: url, Err: err}
	default:
		return &NetworkError{Op: op, URL: url, Err: err}
	}
}
