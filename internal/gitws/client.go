// Package gitws manages the on-disk git workspace: cloning, pulling,
// inspecting and reading repositories under <root>/<organization>/<name>/<branch>.
// Only the orchestrator assigned to that triple may mutate its directory.
package gitws

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/codewiki/internal/logfields"
)

// Credentials optionally authenticate remote operations. The token is never
// logged.
type Credentials struct {
	Username string
	Token    string
}

func (c *Credentials) auth() *http.BasicAuth {
	if c == nil || c.Token == "" {
		return nil
	}
	user := c.Username
	if user == "" {
		// token-only auth still needs a non-empty username for basic auth
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: c.Token}
}

// Commit is the metadata subset the pipeline records.
type Commit struct {
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CloneResult describes the workspace state after Clone.
type CloneResult struct {
	LocalPath string
	Branch    string
	Head      Commit
}

// PullResult carries the commits new since the given baseline.
type PullResult struct {
	Commits []Commit // newest first, as returned by the log walk
	Head    string
}

// Client operates on a workspace root directory.
type Client struct {
	root string
	// recentLimit bounds the commit list when the baseline is absent/unknown.
	recentLimit int
}

// NewClient creates a workspace client rooted at root.
func NewClient(root string) *Client {
	return &Client{root: root, recentLimit: 20}
}

// LocalPath derives the workspace directory for a repository triple.
func (c *Client) LocalPath(organization, name, branch string) string {
	return filepath.Join(c.root, organization, name, branch)
}

// EnsureRoot creates the workspace root if missing.
func (c *Client) EnsureRoot() error {
	if err := os.MkdirAll(c.root, 0o750); err != nil {
		return &DiskError{Op: "ensure root", Path: c.root, Err: err}
	}
	return nil
}

// Clone ensures a valid checkout of url@branch under the triple's directory
// and returns its HEAD. An existing valid repository is reused without
// re-cloning; an inconsistent directory is purged and cloned fresh.
func (c *Client) Clone(ctx context.Context, organization, name, branch, url string, creds *Credentials) (*CloneResult, error) {
	localPath := c.LocalPath(organization, name, branch)

	if repo, err := git.PlainOpen(localPath); err == nil {
		if head, herr := headCommit(repo); herr == nil {
			slog.Info("Reusing existing checkout", logfields.Repository(name), logfields.Branch(branch), logfields.Commit(head.Hash))
			return &CloneResult{LocalPath: localPath, Branch: branch, Head: head}, nil
		}
		// Opened but unreadable HEAD: purge and re-clone.
		slog.Warn("Purging inconsistent checkout", logfields.Path(localPath))
		if err := os.RemoveAll(localPath); err != nil {
			return nil, &DiskError{Op: "purge checkout", Path: localPath, Err: err}
		}
	} else if _, serr := os.Stat(localPath); serr == nil {
		// Directory exists but is not a repository.
		slog.Warn("Purging non-repository directory", logfields.Path(localPath))
		if err := os.RemoveAll(localPath); err != nil {
			return nil, &DiskError{Op: "purge checkout", Path: localPath, Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return nil, &DiskError{Op: "create parent", Path: localPath, Err: err}
	}

	opts := &git.CloneOptions{
		URL:           url,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		Tags:          git.NoTags,
	}
	if auth := creds.auth(); auth != nil {
		opts.Auth = auth
	}

	slog.Info("Cloning repository", logfields.Repository(name), logfields.Branch(branch), slog.String("url", Redact(url)))
	repo, err := git.PlainCloneContext(ctx, localPath, false, opts)
	if err != nil {
		_ = os.RemoveAll(localPath) // do not leave partial clones behind
		return nil, classifyRemoteError("clone", Redact(url), err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, &NotFoundError{Op: "resolve HEAD", URL: Redact(url), Err: err}
	}
	slog.Info("Repository cloned", logfields.Repository(name), logfields.Branch(branch), logfields.Commit(head.Hash))
	return &CloneResult{LocalPath: localPath, Branch: branch, Head: head}, nil
}

// Pull fetches and fast-forwards the checkout, returning commits reachable
// from the new HEAD but not from sinceCommit. When sinceCommit is empty or
// unknown, the most recent commits are returned (bounded). Divergence yields
// SyncConflictError and leaves the worktree untouched.
func (c *Client) Pull(ctx context.Context, localPath, sinceCommit string, creds *Credentials) (*PullResult, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return nil, &NotFoundError{Op: "open", URL: localPath, Err: err}
	}

	fetchOpts := &git.FetchOptions{RemoteName: "origin", Tags: git.NoTags}
	if auth := creds.auth(); auth != nil {
		fetchOpts.Auth = auth
	}
	if err := repo.FetchContext(ctx, fetchOpts); err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, classifyRemoteError("fetch", localPath, err)
	}

	headRef, err := repo.Head()
	if err != nil {
		return nil, &NotFoundError{Op: "resolve HEAD", URL: localPath, Err: err}
	}
	branch := headRef.Name().Short()
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return nil, &NotFoundError{Op: "resolve remote ref", URL: localPath, Err: err}
	}

	localHash, remoteHash := headRef.Hash(), remoteRef.Hash()
	if localHash != remoteHash {
		ff, aerr := isAncestor(repo, localHash, remoteHash)
		if aerr != nil {
			slog.Warn("ancestor check failed", logfields.Error(aerr))
		}
		if !ff {
			return nil, &SyncConflictError{Path: localPath, Branch: branch}
		}
		wt, werr := repo.Worktree()
		if werr != nil {
			return nil, &DiskError{Op: "worktree", Path: localPath, Err: werr}
		}
		if err := wt.Reset(&git.ResetOptions{Commit: remoteHash, Mode: git.HardReset}); err != nil {
			return nil, &DiskError{Op: "fast-forward reset", Path: localPath, Err: err}
		}
		slog.Info("Fast-forwarded repository", logfields.Path(localPath), logfields.Branch(branch),
			slog.String("from", localHash.String()[:8]), slog.String("to", remoteHash.String()[:8]))
	}

	commits, err := c.commitsSince(repo, remoteHash, sinceCommit)
	if err != nil {
		return nil, err
	}
	return &PullResult{Commits: commits, Head: remoteHash.String()}, nil
}

// commitsSince walks the log from head until the baseline hash, newest first.
// An empty or unknown baseline yields the most recent commits up to the limit.
func (c *Client) commitsSince(repo *git.Repository, head plumbing.Hash, since string) ([]Commit, error) {
	iter, err := repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return nil, &NotFoundError{Op: "log", URL: head.String(), Err: err}
	}
	defer iter.Close()

	var commits []Commit
	baselineSeen := false
	err = iter.ForEach(func(cm *object.Commit) error {
		if since != "" && cm.Hash.String() == since {
			baselineSeen = true
			return storer.ErrStop
		}
		commits = append(commits, Commit{
			Hash:      cm.Hash.String(),
			Author:    cm.Author.Name,
			Message:   strings.TrimSpace(cm.Message),
			Timestamp: cm.Author.When,
		})
		if since == "" && len(commits) >= c.recentLimit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, &NotFoundError{Op: "log walk", URL: head.String(), Err: err}
	}
	if since != "" && !baselineSeen && len(commits) > c.recentLimit {
		// unknown baseline: cap at the recent window
		commits = commits[:c.recentLimit]
	}
	return commits, nil
}

// ChangedFiles lists the paths touched between two commits, the union of
// old and new names across the tree diff. Order is stable.
func (c *Client) ChangedFiles(localPath, fromHash, toHash string) ([]string, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return nil, &NotFoundError{Op: "open", URL: localPath, Err: err}
	}
	from, err := repo.CommitObject(plumbing.NewHash(fromHash))
	if err != nil {
		return nil, &NotFoundError{Op: "resolve from", URL: fromHash, Err: err}
	}
	to, err := repo.CommitObject(plumbing.NewHash(toHash))
	if err != nil {
		return nil, &NotFoundError{Op: "resolve to", URL: toHash, Err: err}
	}
	fromTree, err := from.Tree()
	if err != nil {
		return nil, &NotFoundError{Op: "from tree", URL: fromHash, Err: err}
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, &NotFoundError{Op: "to tree", URL: toHash, Err: err}
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, &NotFoundError{Op: "diff", URL: localPath, Err: err}
	}
	seen := map[string]bool{}
	var paths []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			paths = append(paths, name)
		}
	}
	for _, ch := range changes {
		add(ch.From.Name)
		add(ch.To.Name)
	}
	return paths, nil
}

// Inspect returns HEAD metadata for an existing checkout, or nil when the
// directory does not hold a repository.
func (c *Client) Inspect(localPath string) *CloneResult {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return nil
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil
	}
	branch := ""
	if ref, err := repo.Head(); err == nil && ref.Name().IsBranch() {
		branch = ref.Name().Short()
	}
	return &CloneResult{LocalPath: localPath, Branch: branch, Head: head}
}

// Branches lists local branch names of a checkout.
func (c *Client) Branches(localPath string) ([]string, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return nil, &NotFoundError{Op: "open", URL: localPath, Err: err}
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, &NotFoundError{Op: "branches", URL: localPath, Err: err}
	}
	var names []string
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	return names, nil
}

// ReadFile reads a file relative to the checkout root, returning nil when it
// does not exist. Paths escaping the checkout are rejected.
func (c *Client) ReadFile(localPath, relativePath string) []byte {
	clean := filepath.Clean(filepath.Join(localPath, filepath.FromSlash(relativePath)))
	if !strings.HasPrefix(clean, filepath.Clean(localPath)+string(os.PathSeparator)) {
		return nil
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil
	}
	return data
}

// Redact strips userinfo from a URL for logging.
func Redact(url string) string {
	if at := strings.Index(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < at {
			return url[:scheme+3] + "***@" + url[at+1:]
		}
	}
	return url
}

func headCommit(repo *git.Repository) (Commit, error) {
	ref, err := repo.Head()
	if err != nil {
		return Commit{}, err
	}
	cm, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Commit{}, err
	}
	return Commit{
		Hash:      cm.Hash.String(),
		Author:    cm.Author.Name,
		Message:   strings.TrimSpace(cm.Message),
		Timestamp: cm.Author.When,
	}, nil
}

func isAncestor(repo *git.Repository, a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	seen := map[plumbing.Hash]struct{}{}
	queue := []plumbing.Hash{b}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == a {
			return true, nil
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		commit, err := repo.CommitObject(h)
		if err != nil {
			return false, err
		}
		queue = append(queue, commit.ParentHashes...)
	}
	return false, nil
}
