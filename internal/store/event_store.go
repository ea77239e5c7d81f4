package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// EventStore is the durable per-resource change-event log. Clients that
// detect a sequence gap refetch from here (or take the full snapshot when
// the gap is too old).
type EventStore struct{ db *sql.DB }

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Append records an applied change event. (resource_type, resource_id, seq)
// is unique; a duplicate insert means the event is already recorded and is
// treated as success.
func (s *EventStore) Append(ctx context.Context, ev realtime.ChangeEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO change_events (resource_type, resource_id, seq, change_type, author_id, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ResourceType,
		ev.ResourceID,
		ev.Seq,
		ev.ChangeType,
		ev.AuthorID,
		[]byte(ev.Payload),
		ev.OccurredAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// ListSince returns events for one resource with seq > since, in sequence
// order, capped at limit.
func (s *EventStore) ListSince(ctx context.Context, resourceType, resourceID string, since uint64, limit int) ([]realtime.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, change_type, author_id, payload, occurred_at
		FROM change_events
		WHERE resource_type = ? AND resource_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		resourceType, resourceID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []realtime.ChangeEvent
	for rows.Next() {
		ev := realtime.ChangeEvent{ResourceType: resourceType, ResourceID: resourceID}
		var payload []byte
		var occurredAt time.Time
		if err := rows.Scan(&ev.Seq, &ev.ChangeType, &ev.AuthorID, &payload, &occurredAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		ev.OccurredAt = occurredAt
		events = append(events, ev)
	}
	return events, rows.Err()
}
