package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

// AppendCommits records changelog entries for a repository. Hashes already
// recorded are skipped so repeated pulls stay idempotent.
func (s *Store) AppendCommits(ctx context.Context, repositoryID string, commits []CommitRecord) error {
	if len(commits) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().Unix()
	for _, c := range commits {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM commit_records WHERE repository_id = ? AND hash = ?",
			repositoryID, c.Hash).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "check commit")
		}
		if exists > 0 {
			continue
		}
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO commit_records (id, repository_id, hash, author, message, timestamp, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, repositoryID, c.Hash, c.Author, c.Message, c.Timestamp.Unix(), now)
		if err != nil {
			return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "insert commit")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "commit")
	}
	return nil
}

// ListCommits returns the repository changelog, newest commit first.
func (s *Store) ListCommits(ctx context.Context, repositoryID string, limit int) ([]CommitRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, repository_id, hash, author,
		message, timestamp, created_at FROM commit_records
		WHERE repository_id = ? ORDER BY timestamp DESC, id LIMIT ?`,
		repositoryID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list commits")
	}
	defer rows.Close()

	var out []CommitRecord
	for rows.Next() {
		var c CommitRecord
		var ts, created int64
		if err := rows.Scan(&c.ID, &c.RepositoryID, &c.Hash, &c.Author, &c.Message, &ts, &created); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan commit")
		}
		c.Timestamp = time.Unix(ts, 0)
		c.CreatedAt = time.Unix(created, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}
