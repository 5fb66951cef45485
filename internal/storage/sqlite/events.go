package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
)

// AppendEvent persists one audit row for a broadcast.
func (s *Store) AppendEvent(ctx context.Context, event storage.RealtimeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const insertSQL = `
INSERT INTO realtime_events (id, type, user_id, role, data, timestamp)
VALUES (?, ?, ?, ?, ?, ?)
`
	payload := event.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.sqlDB.ExecContext(ctx, insertSQL,
		event.ID,
		event.Type,
		nullString(event.UserID),
		nullString(event.Role),
		payload,
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append realtime event: %w", err)
	}
	return nil
}

// ListEventsSince returns audit rows recorded after since, oldest first.
func (s *Store) ListEventsSince(ctx context.Context, since time.Time, limit int) ([]storage.RealtimeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	const querySQL = `
SELECT id, type, user_id, role, data, timestamp
FROM realtime_events
WHERE timestamp > ?
ORDER BY timestamp ASC
LIMIT ?
`
	rows, err := s.sqlDB.QueryContext(ctx, querySQL, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list realtime events: %w", err)
	}
	defer rows.Close()

	var events []storage.RealtimeEvent
	for rows.Next() {
		var (
			event        storage.RealtimeEvent
			userID, role sql.NullString
			ts           int64
		)
		if err := rows.Scan(&event.ID, &event.Type, &userID, &role, &event.PayloadJSON, &ts); err != nil {
			return nil, fmt.Errorf("scan realtime event: %w", err)
		}
		event.UserID = userID.String
		event.Role = role.String
		event.Timestamp = fromMillis(ts)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate realtime events: %w", err)
	}
	return events, nil
}

// DeleteEventsBefore purges audit rows older than the cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM realtime_events WHERE timestamp < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete aged realtime events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted realtime events: %w", err)
	}
	return int(affected), nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
