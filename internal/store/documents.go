package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

// UpsertDocument creates or refreshes the repository-level document row.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now()
	doc.UpdatedAt = now
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents
		(id, repository_id, overview, description, minimap, total_nodes, completed_nodes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			overview = excluded.overview,
			description = excluded.description,
			minimap = excluded.minimap,
			total_nodes = excluded.total_nodes,
			completed_nodes = excluded.completed_nodes,
			updated_at = excluded.updated_at`,
		doc.ID, doc.RepositoryID, doc.Overview, doc.Description, doc.Minimap,
		doc.TotalNodes, doc.CompletedNodes, doc.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "upsert document")
	}
	return nil
}

// GetDocument fetches the document for a repository.
func (s *Store) GetDocument(ctx context.Context, repositoryID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, repository_id, overview, description,
		minimap, total_nodes, completed_nodes, created_at, updated_at
		FROM documents WHERE repository_id = ?`, repositoryID)
	var d Document
	var created, updated int64
	err := row.Scan(&d.ID, &d.RepositoryID, &d.Overview, &d.Description,
		&d.Minimap, &d.TotalNodes, &d.CompletedNodes, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("document not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan document")
	}
	d.CreatedAt = time.Unix(created, 0)
	d.UpdatedAt = time.Unix(updated, 0)
	return &d, nil
}

// SetOverview stores the generated overview (and the description when given),
// creating the document row when absent. Only the named columns are written:
// the overview/mini-map builder and the section generator run concurrently,
// so each writer must leave the other's columns alone.
func (s *Store) SetOverview(ctx context.Context, repositoryID, overview, description string) error {
	set := "overview = excluded.overview, updated_at = excluded.updated_at"
	if description != "" {
		set += ", description = excluded.description"
	}
	return s.upsertDocumentColumns(ctx, repositoryID, set, func(d *Document) {
		d.Overview = overview
		d.Description = description
	})
}

// SetDescription stores the owner-provided description without touching the
// generated fields.
func (s *Store) SetDescription(ctx context.Context, repositoryID, description string) error {
	return s.upsertDocumentColumns(ctx, repositoryID,
		"description = excluded.description, updated_at = excluded.updated_at",
		func(d *Document) { d.Description = description })
}

// SetMinimap stores the rendered mini-map JSON. An empty string records a
// parse failure without losing the rest of the document.
func (s *Store) SetMinimap(ctx context.Context, repositoryID, minimap string) error {
	return s.upsertDocumentColumns(ctx, repositoryID,
		"minimap = excluded.minimap, updated_at = excluded.updated_at",
		func(d *Document) { d.Minimap = minimap })
}

// UpdateProgress refreshes the document's section counters.
func (s *Store) UpdateProgress(ctx context.Context, repositoryID string, completed, total int) error {
	return s.upsertDocumentColumns(ctx, repositoryID,
		"completed_nodes = excluded.completed_nodes, total_nodes = excluded.total_nodes, updated_at = excluded.updated_at",
		func(d *Document) {
			d.CompletedNodes = completed
			d.TotalNodes = total
		})
}

// upsertDocumentColumns writes the columns named in set in one statement
// under one lock acquisition. fill populates the insert values for the
// row-creation case; the conflict clause then overwrites only set's columns.
func (s *Store) upsertDocumentColumns(ctx context.Context, repositoryID, set string, fill func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	doc := &Document{RepositoryID: repositoryID}
	fill(doc)
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents
		(id, repository_id, overview, description, minimap, total_nodes, completed_nodes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET `+set,
		uuid.NewString(), repositoryID, doc.Overview, doc.Description, doc.Minimap,
		doc.TotalNodes, doc.CompletedNodes, now, now)
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "update document")
	}
	return nil
}
