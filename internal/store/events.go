package store

import (
	"context"
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/codewiki/internal/errors"
)

// AppendEvent records an audit event for a repository.
func (s *Store) AppendEvent(ctx context.Context, repositoryID, eventType string, payload []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadataJSON []byte
	if metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "marshal metadata")
		}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (repository_id, event_type, timestamp, payload, metadata) VALUES (?, ?, ?, ?, ?)",
		repositoryID, eventType, time.Now().Unix(), payload, metadataJSON)
	if err != nil {
		return errors.Wrap(err, errors.CategoryData, errors.SeverityError, "insert event")
	}
	return nil
}

// EventsForRepository returns all audit events for a repository in insertion
// order.
func (s *Store) EventsForRepository(ctx context.Context, repositoryID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, repository_id, event_type, timestamp, payload, metadata FROM events WHERE repository_id = ? ORDER BY id",
		repositoryID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "query events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var metadataJSON []byte
		if err := rows.Scan(&e.ID, &e.RepositoryID, &e.EventType, &ts, &e.Payload, &metadataJSON); err != nil {
			return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "scan event")
		}
		e.Timestamp = time.Unix(ts, 0)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.CategoryData, errors.SeverityError, "unmarshal metadata")
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
