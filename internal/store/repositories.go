package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

const repoColumns = `id, organization, name, branch, address, username, token,
	status, version, error, prompt, classification, directory_tree,
	recommended, views, failure_count, created_at, updated_at`

// CreateRepository inserts a new repository in PENDING. The triple
// (organization, name, branch) must be unique among non-FAILED rows.
func (s *Store) CreateRepository(ctx context.Context, repo *Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.Status == "" {
		repo.Status = StatusPending
	}
	now := time.Now()
	repo.CreatedAt, repo.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO repositories
		(id, organization, name, branch, address, username, token, status,
		 version, error, prompt, classification, directory_tree, recommended,
		 views, failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Organization, repo.Name, repo.Branch, repo.Address,
		repo.Username, repo.Token, repo.Status, repo.Version, repo.Error,
		repo.Prompt, repo.Classification, repo.DirectoryTree, repo.Recommended,
		repo.Views, repo.FailureCount, now.Unix(), now.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.DuplicateError("repository " + repo.Organization + "/" + repo.Name + "@" + repo.Branch + " already registered")
		}
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "insert repository")
	}
	return nil
}

// GetRepository fetches one repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, "SELECT "+repoColumns+" FROM repositories WHERE id = ?", id)
	return scanRepository(row)
}

// FindByTriple fetches the active (non-FAILED) repository for a triple. An
// empty branch matches any branch, newest registration first.
func (s *Store) FindByTriple(ctx context.Context, organization, name, branch string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := "SELECT " + repoColumns + " FROM repositories WHERE organization = ? AND name = ? AND status != ?"
	args := []any{organization, name, StatusFailed}
	if branch != "" {
		query += " AND branch = ?"
		args = append(args, branch)
	}
	query += " ORDER BY created_at DESC LIMIT 1"
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanRepository(row)
}

// ListRepositories returns a page ordered by creation time, newest first. A
// non-empty keyword filters on organization, name and address.
func (s *Store) ListRepositories(ctx context.Context, keyword string, offset, limit int) ([]*Repository, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := "SELECT " + repoColumns + " FROM repositories"
	var args []any
	if keyword != "" {
		query += " WHERE organization LIKE ? OR name LIKE ? OR address LIKE ?"
		like := "%" + keyword + "%"
		args = append(args, like, like, like)
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list repositories")
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// CountRepositories counts rows matching the keyword filter, for pagination.
func (s *Store) CountRepositories(ctx context.Context, keyword string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := "SELECT COUNT(*) FROM repositories"
	var args []any
	if keyword != "" {
		query += " WHERE organization LIKE ? OR name LIKE ? OR address LIKE ?"
		like := "%" + keyword + "%"
		args = append(args, like, like, like)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "count repositories")
	}
	return n, nil
}

// ListBranches returns the branches registered for an organization/name pair,
// FAILED rows excluded.
func (s *Store) ListBranches(ctx context.Context, organization, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT branch FROM repositories WHERE organization = ? AND name = ? AND status != ? ORDER BY branch",
		organization, name, StatusFailed)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list branches")
	}
	defer rows.Close()
	var branches []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan branch")
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// ListByStatus returns repositories in a status, oldest update first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+repoColumns+" FROM repositories WHERE status = ? ORDER BY updated_at, id LIMIT ?", status, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list by status")
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// ListProcessable returns up to limit repositories ready for an orchestrator:
// in-flight rows whose heartbeat is older than stall come first (resume
// before start), then PENDING rows, both oldest first.
func (s *Store) ListProcessable(ctx context.Context, limit int, stall time.Duration) ([]*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-stall).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repositories
		WHERE status = ?
		   OR (status IN (?, ?, ?, ?, ?) AND updated_at < ?)
		ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, updated_at, id
		LIMIT ?`,
		StatusPending,
		StatusCloning, StatusCloned, StatusClassified, StatusOutlined, StatusGenerating, cutoff,
		StatusPending, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list processable")
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// ListCompletedBefore returns COMPLETED repositories not updated since the
// cutoff, for the periodic update sweep.
func (s *Store) ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+repoColumns+" FROM repositories WHERE status = ? AND updated_at < ? ORDER BY updated_at, id LIMIT ?",
		StatusCompleted, cutoff.Unix(), limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list completed")
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// UpdateStatus transitions a repository and refreshes its heartbeat.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().Unix(), id)
}

// Heartbeat refreshes updated_at so the stall detector leaves the row alone.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET updated_at = ? WHERE id = ?", time.Now().Unix(), id)
}

// SetFailed marks the repository FAILED with a reason and bumps the failure
// counter.
func (s *Store) SetFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx,
		"UPDATE repositories SET status = ?, error = ?, failure_count = failure_count + 1, updated_at = ? WHERE id = ?",
		StatusFailed, reason, time.Now().Unix(), id)
}

// SetError records a non-fatal error string without changing status.
func (s *Store) SetError(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET error = ?, updated_at = ? WHERE id = ?",
		reason, time.Now().Unix(), id)
}

// CompleteClone checkpoints the clone stage: status, version and the
// optimised directory listing in one transaction.
func (s *Store) CompleteClone(ctx context.Context, id, version, directoryTree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx,
		"UPDATE repositories SET status = ?, version = ?, directory_tree = ?, error = '', updated_at = ? WHERE id = ?",
		StatusCloned, version, directoryTree, time.Now().Unix(), id)
}

// SetClassification checkpoints the classifier stage.
func (s *Store) SetClassification(ctx context.Context, id, classification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx,
		"UPDATE repositories SET status = ?, classification = ?, updated_at = ? WHERE id = ?",
		StatusClassified, classification, time.Now().Unix(), id)
}

// SetPrompt stores the owner's planning guidance.
func (s *Store) SetPrompt(ctx context.Context, id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET prompt = ?, updated_at = ? WHERE id = ?",
		prompt, time.Now().Unix(), id)
}

// SetRecommended flips the curated-listing flag.
func (s *Store) SetRecommended(ctx context.Context, id string, recommended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET recommended = ?, updated_at = ? WHERE id = ?",
		recommended, time.Now().Unix(), id)
}

// SetTree refreshes the optimised directory listing without touching status.
// Used by incremental updates after a fast-forward.
func (s *Store) SetTree(ctx context.Context, id, directoryTree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET directory_tree = ?, updated_at = ? WHERE id = ?",
		directoryTree, time.Now().Unix(), id)
}

// SetVersion stores the latest processed commit hash.
func (s *Store) SetVersion(ctx context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET version = ?, updated_at = ? WHERE id = ?",
		version, time.Now().Unix(), id)
}

// IncrementViews bumps the view counter without touching the heartbeat.
func (s *Store) IncrementViews(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET views = views + 1 WHERE id = ?", id)
}

// Reset demotes a repository to PENDING and clears its error so the next
// sweep picks it up.
func (s *Store) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE repositories SET status = ?, error = '', updated_at = ? WHERE id = ?",
		StatusPending, time.Now().Unix(), id)
}

// DemoteStaleFailures moves FAILED repositories older than cutoff back to
// PENDING, unless they reached maxFailures. Returns the number demoted.
func (s *Store) DemoteStaleFailures(ctx context.Context, cutoff time.Time, maxFailures int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE repositories SET status = ?, error = '', updated_at = ? WHERE status = ? AND updated_at < ? AND failure_count < ?",
		StatusPending, time.Now().Unix(), StatusFailed, cutoff.Unix(), maxFailures)
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "demote stale failures")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteRepository hard-deletes a repository; owned rows cascade.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "DELETE FROM repositories WHERE id = ?", id)
}

// CountByStatus returns how many repositories sit in a status.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM repositories WHERE status = ?", status).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "count by status")
	}
	return n, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "exec")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("no row matched")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*Repository, error) {
	var r Repository
	var created, updated int64
	err := row.Scan(&r.ID, &r.Organization, &r.Name, &r.Branch, &r.Address,
		&r.Username, &r.Token, &r.Status, &r.Version, &r.Error, &r.Prompt,
		&r.Classification, &r.DirectoryTree, &r.Recommended, &r.Views,
		&r.FailureCount, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("repository not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan repository")
	}
	r.CreatedAt = time.Unix(created, 0)
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}

func scanRepositories(rows *sql.Rows) ([]*Repository, error) {
	var repos []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "iterate rows")
	}
	return repos, nil
}
