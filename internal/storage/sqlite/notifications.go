package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
)

// PutNotification persists one notification row.
func (s *Store) PutNotification(ctx context.Context, notification storage.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const insertSQL = `
INSERT INTO realtime_notifications
    (id, user_id, type, title, message, priority, action_url, data, is_read, created_at, read_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	payload := notification.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.sqlDB.ExecContext(ctx, insertSQL,
		notification.ID,
		notification.UserID,
		notification.Type,
		notification.Title,
		notification.Message,
		notification.Priority,
		nullString(notification.ActionURL),
		payload,
		boolToInt(notification.IsRead),
		toMillis(notification.CreatedAt),
		toNullMillis(notification.ReadAt),
		toNullMillis(notification.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}

// GetNotification loads one notification scoped by (id, userID).
func (s *Store) GetNotification(ctx context.Context, id, userID string) (storage.Notification, error) {
	if err := ctx.Err(); err != nil {
		return storage.Notification{}, err
	}
	const querySQL = `
SELECT id, user_id, type, title, message, priority, action_url, data, is_read, created_at, read_at, expires_at
FROM realtime_notifications
WHERE id = ? AND user_id = ?
`
	row := s.sqlDB.QueryRowContext(ctx, querySQL, id, userID)
	notification, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Notification{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return notification, nil
}

// ListUnreadByUser returns unread, unexpired notifications, newest first.
func (s *Store) ListUnreadByUser(ctx context.Context, userID string, now time.Time) ([]storage.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	const querySQL = `
SELECT id, user_id, type, title, message, priority, action_url, data, is_read, created_at, read_at, expires_at
FROM realtime_notifications
WHERE user_id = ? AND is_read = 0 AND (expires_at IS NULL OR expires_at >= ?)
ORDER BY created_at DESC
`
	rows, err := s.sqlDB.QueryContext(ctx, querySQL, userID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer rows.Close()

	var notifications []storage.Notification
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

// CountUnreadByUser counts unread, unexpired notifications for one user.
func (s *Store) CountUnreadByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	const querySQL = `
SELECT COUNT(1)
FROM realtime_notifications
WHERE user_id = ? AND is_read = 0 AND (expires_at IS NULL OR expires_at >= ?)
`
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, querySQL, userID, toMillis(now)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead flips one unread notification to read. The is_read guard makes the
// call idempotent: a second mark reports no transition and leaves read_at as
// set by the first.
func (s *Store) MarkRead(ctx context.Context, id, userID string, readAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	const updateSQL = `
UPDATE realtime_notifications
SET is_read = 1, read_at = ?
WHERE id = ? AND user_id = ? AND is_read = 0
`
	result, err := s.sqlDB.ExecContext(ctx, updateSQL, toMillis(readAt), id, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count marked notifications: %w", err)
	}
	return affected > 0, nil
}

// MarkAllRead flips every unread notification for the user.
func (s *Store) MarkAllRead(ctx context.Context, userID string, readAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	const updateSQL = `
UPDATE realtime_notifications
SET is_read = 1, read_at = ?
WHERE user_id = ? AND is_read = 0
`
	result, err := s.sqlDB.ExecContext(ctx, updateSQL, toMillis(readAt), userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count marked notifications: %w", err)
	}
	return int(affected), nil
}

// DeleteNotification removes one notification scoped by (id, userID).
func (s *Store) DeleteNotification(ctx context.Context, id, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM realtime_notifications WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count deleted notifications: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpired sweeps rows whose expires_at has passed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM realtime_notifications WHERE expires_at IS NOT NULL AND expires_at < ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count expired notifications: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (storage.Notification, error) {
	var (
		notification      storage.Notification
		actionURL         sql.NullString
		isRead            int
		createdAt         int64
		readAt, expiresAt sql.NullInt64
	)
	err := row.Scan(
		&notification.ID,
		&notification.UserID,
		&notification.Type,
		&notification.Title,
		&notification.Message,
		&notification.Priority,
		&actionURL,
		&notification.PayloadJSON,
		&isRead,
		&createdAt,
		&readAt,
		&expiresAt,
	)
	if err != nil {
		return storage.Notification{}, err
	}
	notification.ActionURL = actionURL.String
	notification.IsRead = isRead != 0
	notification.CreatedAt = fromMillis(createdAt)
	notification.ReadAt = fromNullMillis(readAt)
	notification.ExpiresAt = fromNullMillis(expiresAt)
	return notification, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
