package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
)

// GetUser returns the directory row for one user id.
func (s *Store) GetUser(ctx context.Context, id string) (storage.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.UserRecord{}, err
	}
	const selectSQL = `SELECT id, role, active FROM users WHERE id = ?`

	var (
		user   storage.UserRecord
		active int
	)
	err := s.sqlDB.QueryRowContext(ctx, selectSQL, id).Scan(&user.ID, &user.Role, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.UserRecord{}, fmt.Errorf("get user %s: %w", id, err)
	}
	user.Active = active != 0
	return user, nil
}

// PutUser inserts or replaces one directory row.
func (s *Store) PutUser(ctx context.Context, user storage.UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const upsertSQL = `
INSERT INTO users (id, role, active, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    role = excluded.role,
    active = excluded.active,
    updated_at = excluded.updated_at
`
	_, err := s.sqlDB.ExecContext(ctx, upsertSQL,
		user.ID, user.Role, boolToInt(user.Active), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("put user %s: %w", user.ID, err)
	}
	return nil
}
