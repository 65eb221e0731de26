package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

const nodeColumns = `id, repository_id, parent_id, title, slug, prompt,
	order_index, dependent_files, is_completed, is_deleted, created_at, updated_at`

// ReplaceCatalog atomically swaps the repository's catalog forest for the
// given nodes. Existing nodes (and their file items, via cascade) are removed.
func (s *Store) ReplaceCatalog(ctx context.Context, repositoryID string, nodes []*CatalogNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM catalog_nodes WHERE repository_id = ?", repositoryID); err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "clear catalog")
	}
	now := time.Now()
	for _, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.RepositoryID = repositoryID
		n.CreatedAt, n.UpdatedAt = now, now
		files, merr := json.Marshal(n.DependentFiles)
		if merr != nil {
			return errors.Wrap(merr, errors.CategoryData, errors.SeverityError, "marshal dependent files")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO catalog_nodes
			(id, repository_id, parent_id, title, slug, prompt, order_index,
			 dependent_files, is_completed, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			n.ID, n.RepositoryID, n.ParentID, n.Title, n.Slug, n.Prompt,
			n.OrderIndex, string(files), now.Unix(), now.Unix())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return errors.DuplicateError("duplicate catalog slug: " + n.Slug)
			}
			return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "insert catalog node")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "commit catalog")
	}
	return nil
}

// ListCatalog returns the repository's non-deleted nodes ordered for a
// depth-first render (parents before children by order_index).
func (s *Store) ListCatalog(ctx context.Context, repositoryID string) ([]*CatalogNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM catalog_nodes WHERE repository_id = ? AND is_deleted = 0 ORDER BY parent_id, order_index, id",
		repositoryID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list catalog")
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetCatalogNode fetches one node by id.
func (s *Store) GetCatalogNode(ctx context.Context, id string) (*CatalogNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM catalog_nodes WHERE id = ?", id)
	return scanNode(row)
}

// GetNodeBySlug resolves a catalog node within a repository by its slug.
func (s *Store) GetNodeBySlug(ctx context.Context, repositoryID, slug string) (*CatalogNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM catalog_nodes WHERE repository_id = ? AND slug = ? AND is_deleted = 0",
		repositoryID, slug)
	return scanNode(row)
}

// RenameNode updates the editable fields of a catalog node.
func (s *Store) RenameNode(ctx context.Context, id, title, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE catalog_nodes SET title = ?, prompt = ?, updated_at = ? WHERE id = ?",
		title, prompt, time.Now().Unix(), id)
}

// SoftDeleteNode hides a node from listings; its row survives until the
// repository is hard-deleted.
func (s *Store) SoftDeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE catalog_nodes SET is_deleted = 1, updated_at = ? WHERE id = ?",
		time.Now().Unix(), id)
}

// MarkNodeIncomplete reopens a node for regeneration.
func (s *Store) MarkNodeIncomplete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE catalog_nodes SET is_completed = 0, updated_at = ? WHERE id = ?",
		time.Now().Unix(), id)
}

// SaveFileItem persists a generated section and its sources, and marks the
// owning node completed, in one transaction. An existing item for the node is
// replaced.
func (s *Store) SaveFileItem(ctx context.Context, item *FileItem, sources []FileItemSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM file_items WHERE catalog_node_id = ?", item.CatalogNodeID); err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "clear file item")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now()
	item.CreatedAt, item.UpdatedAt = now, now
	item.Size = len(item.Content)
	_, err = tx.ExecContext(ctx, `INSERT INTO file_items
		(id, repository_id, catalog_node_id, title, content, request_tokens,
		 response_tokens, size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RepositoryID, item.CatalogNodeID, item.Title, item.Content,
		item.RequestTokens, item.ResponseTokens, item.Size, now.Unix(), now.Unix())
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "insert file item")
	}
	for i := range sources {
		src := &sources[i]
		if src.ID == "" {
			src.ID = uuid.NewString()
		}
		src.FileItemID = item.ID
		_, err := tx.ExecContext(ctx,
			"INSERT INTO file_item_sources (id, file_item_id, file_path, line_start, line_end) VALUES (?, ?, ?, ?, ?)",
			src.ID, src.FileItemID, src.FilePath, src.LineStart, src.LineEnd)
		if err != nil {
			return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "insert source")
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE catalog_nodes SET is_completed = 1, updated_at = ? WHERE id = ?",
		now.Unix(), item.CatalogNodeID); err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "mark node complete")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "commit file item")
	}
	return nil
}

// GetFileItemByNode fetches the generated section for a catalog node.
func (s *Store) GetFileItemByNode(ctx context.Context, nodeID string) (*FileItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, repository_id, catalog_node_id,
		title, content, request_tokens, response_tokens, size, created_at, updated_at
		FROM file_items WHERE catalog_node_id = ?`, nodeID)
	var f FileItem
	var created, updated int64
	err := row.Scan(&f.ID, &f.RepositoryID, &f.CatalogNodeID, &f.Title,
		&f.Content, &f.RequestTokens, &f.ResponseTokens, &f.Size, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("file item not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan file item")
	}
	f.CreatedAt = time.Unix(created, 0)
	f.UpdatedAt = time.Unix(updated, 0)
	return &f, nil
}

// GetFileItem fetches one generated section by its own id.
func (s *Store) GetFileItem(ctx context.Context, id string) (*FileItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, repository_id, catalog_node_id,
		title, content, request_tokens, response_tokens, size, created_at, updated_at
		FROM file_items WHERE id = ?`, id)
	var f FileItem
	var created, updated int64
	err := row.Scan(&f.ID, &f.RepositoryID, &f.CatalogNodeID, &f.Title,
		&f.Content, &f.RequestTokens, &f.ResponseTokens, &f.Size, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("file item not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan file item")
	}
	f.CreatedAt = time.Unix(created, 0)
	f.UpdatedAt = time.Unix(updated, 0)
	return &f, nil
}

// ListFileItems returns every generated section of a repository, ordered by
// title for stable exports.
func (s *Store) ListFileItems(ctx context.Context, repositoryID string) ([]*FileItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, repository_id, catalog_node_id,
		title, content, request_tokens, response_tokens, size, created_at, updated_at
		FROM file_items WHERE repository_id = ? ORDER BY title, id`, repositoryID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list file items")
	}
	defer rows.Close()
	var out []*FileItem
	for rows.Next() {
		var f FileItem
		var created, updated int64
		if err := rows.Scan(&f.ID, &f.RepositoryID, &f.CatalogNodeID, &f.Title,
			&f.Content, &f.RequestTokens, &f.ResponseTokens, &f.Size, &created, &updated); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan file item")
		}
		f.CreatedAt = time.Unix(created, 0)
		f.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// UpdateFileItemContent overwrites a section body, e.g. after a manual edit.
func (s *Store) UpdateFileItemContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "UPDATE file_items SET content = ?, size = ?, updated_at = ? WHERE id = ?",
		content, len(content), time.Now().Unix(), id)
}

// ListSources returns the citations recorded for a file item.
func (s *Store) ListSources(ctx context.Context, fileItemID string) ([]FileItemSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, file_item_id, file_path, line_start, line_end FROM file_item_sources WHERE file_item_id = ? ORDER BY file_path, line_start",
		fileItemID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "list sources")
	}
	defer rows.Close()
	var out []FileItemSource
	for rows.Next() {
		var src FileItemSource
		if err := rows.Scan(&src.ID, &src.FileItemID, &src.FilePath, &src.LineStart, &src.LineEnd); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan source")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// NodesTouchingFiles returns the ids of non-deleted catalog nodes whose
// recorded sources intersect the given workspace paths. Used by the
// incremental update to decide which sections to regenerate.
func (s *Store) NodesTouchingFiles(ctx context.Context, repositoryID string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(paths))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(paths)+1)
	args = append(args, repositoryID)
	for _, p := range paths {
		args = append(args, p)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT n.id
		FROM catalog_nodes n
		JOIN file_items f ON f.catalog_node_id = n.id
		JOIN file_item_sources s ON s.file_item_id = f.id
		WHERE n.repository_id = ? AND n.is_deleted = 0 AND s.file_path IN (`+placeholders+`)
		ORDER BY n.id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "query touched nodes")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan node id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CatalogProgress counts non-deleted nodes and how many are completed.
func (s *Store) CatalogProgress(ctx context.Context, repositoryID string) (completed, total int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(is_completed), 0), COUNT(*) FROM catalog_nodes WHERE repository_id = ? AND is_deleted = 0",
		repositoryID).Scan(&completed, &total)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "catalog progress")
	}
	return completed, total, nil
}

// CatalogLeafProgress counts the leaves of the catalog forest and how many
// are completed. Parents exist only to group their children and never carry
// a generated section, so completion is judged on leaves alone.
func (s *Store) CatalogLeafProgress(ctx context.Context, repositoryID string) (completed, total int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(n.is_completed), 0), COUNT(*)
		FROM catalog_nodes n
		WHERE n.repository_id = ? AND n.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM catalog_nodes c
			WHERE c.parent_id = n.id AND c.is_deleted = 0
		  )`,
		repositoryID).Scan(&completed, &total)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "catalog leaf progress")
	}
	return completed, total, nil
}

func scanNode(row rowScanner) (*CatalogNode, error) {
	var n CatalogNode
	var files string
	var completed, deleted int
	var created, updated int64
	err := row.Scan(&n.ID, &n.RepositoryID, &n.ParentID, &n.Title, &n.Slug,
		&n.Prompt, &n.OrderIndex, &files, &completed, &deleted, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("catalog node not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan catalog node")
	}
	if files != "" {
		if err := json.Unmarshal([]byte(files), &n.DependentFiles); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "unmarshal dependent files")
		}
	}
	n.IsCompleted = completed != 0
	n.IsDeleted = deleted != 0
	n.CreatedAt = time.Unix(created, 0)
	n.UpdatedAt = time.Unix(updated, 0)
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*CatalogNode, error) {
	var nodes []*CatalogNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
