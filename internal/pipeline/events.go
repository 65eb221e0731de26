package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/store"
)

// Event types recorded on stage transitions and notable pipeline actions.
const (
	EventStatusChanged  = "status_changed"
	EventStageFailed    = "stage_failed"
	EventUpdateStarted  = "update_started"
	EventUpdateNoop     = "update_noop"
	EventUpdateFinished = "update_finished"
)

// EventSink appends pipeline events to the store and optionally mirrors them
// to NATS for external consumers. Emission is best effort and never fails the
// pipeline.
type EventSink struct {
	store   *store.Store
	conn    *nats.Conn
	subject string
}

// NewEventSink creates a sink over the store. natsURL may be empty; when set,
// a failed connection logs a warning and mirroring stays off.
func NewEventSink(st *store.Store, natsURL string) *EventSink {
	s := &EventSink{store: st, subject: "codewiki.events"}
	if natsURL != "" {
		conn, err := nats.Connect(natsURL, nats.Timeout(5*time.Second), nats.RetryOnFailedConnect(true))
		if err != nil {
			slog.Warn("NATS connect failed, event mirroring disabled", logfields.Error(err))
		} else {
			s.conn = conn
			slog.Info("Event mirroring enabled", slog.String("subject", s.subject))
		}
	}
	return s
}

type mirroredEvent struct {
	RepositoryID string            `json:"repository_id"`
	EventType    string            `json:"event_type"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Emit records one event. Store or transport failures are logged, not returned.
func (s *EventSink) Emit(ctx context.Context, repositoryID, eventType string, metadata map[string]string) {
	if s == nil {
		return
	}
	if err := s.store.AppendEvent(ctx, repositoryID, eventType, nil, metadata); err != nil {
		slog.Warn("Event append failed", logfields.RepositoryID(repositoryID), logfields.Error(err))
	}
	if s.conn == nil {
		return
	}
	data, err := json.Marshal(mirroredEvent{
		RepositoryID: repositoryID,
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		Metadata:     metadata,
	})
	if err != nil {
		return
	}
	if err := s.conn.Publish(s.subject+"."+eventType, data); err != nil {
		slog.Warn("Event mirror publish failed", logfields.Error(err))
	}
}

// Close releases the NATS connection if one was established.
func (s *EventSink) Close() {
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
}
