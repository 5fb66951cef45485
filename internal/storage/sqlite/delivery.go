package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
)

// UpsertDeliveryState writes the attempt bookkeeping for one delivery unit.
func (s *Store) UpsertDeliveryState(ctx context.Context, state storage.DeliveryState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const upsertSQL = `
INSERT INTO delivery_attempts (key, attempt_count, last_attempt_at, last_error, sent, sent_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    attempt_count = excluded.attempt_count,
    last_attempt_at = excluded.last_attempt_at,
    last_error = excluded.last_error,
    sent = excluded.sent,
    sent_at = excluded.sent_at,
    updated_at = excluded.updated_at
`
	var lastAttemptAt sql.NullInt64
	if !state.LastAttemptAt.IsZero() {
		lastAttemptAt = sql.NullInt64{Int64: toMillis(state.LastAttemptAt), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, upsertSQL,
		state.Key,
		state.AttemptCount,
		lastAttemptAt,
		state.LastError,
		boolToInt(state.Sent),
		toNullMillis(state.SentAt),
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert delivery state: %w", err)
	}
	return nil
}

// GetDeliveryState loads the attempt bookkeeping for one delivery unit.
func (s *Store) GetDeliveryState(ctx context.Context, key string) (storage.DeliveryState, error) {
	if err := ctx.Err(); err != nil {
		return storage.DeliveryState{}, err
	}
	const querySQL = `
SELECT key, attempt_count, last_attempt_at, last_error, sent, sent_at
FROM delivery_attempts
WHERE key = ?
`
	var (
		state                 storage.DeliveryState
		lastAttemptAt, sentAt sql.NullInt64
		sent                  int
	)
	err := s.sqlDB.QueryRowContext(ctx, querySQL, key).Scan(
		&state.Key, &state.AttemptCount, &lastAttemptAt, &state.LastError, &sent, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DeliveryState{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DeliveryState{}, fmt.Errorf("get delivery state: %w", err)
	}
	if lastAttemptAt.Valid {
		state.LastAttemptAt = fromMillis(lastAttemptAt.Int64)
	}
	state.Sent = sent != 0
	state.SentAt = fromNullMillis(sentAt)
	return state, nil
}

// ResetDeliveryState clears the unit's bookkeeping so a fresh retry cycle can
// run. Resetting a missing key is a no-op.
func (s *Store) ResetDeliveryState(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM delivery_attempts WHERE key = ?", key); err != nil {
		return fmt.Errorf("reset delivery state: %w", err)
	}
	return nil
}
