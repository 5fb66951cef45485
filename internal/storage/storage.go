package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// RealtimeEvent is one append-only audit record of a broadcast. UserID and
// Role are empty for events that were not scoped to a user or role.
type RealtimeEvent struct {
	ID          string
	Type        string
	UserID      string
	Role        string
	PayloadJSON string
	Timestamp   time.Time
}

// Notification is one durable in-app notification row.
type Notification struct {
	ID          string
	UserID      string
	Type        string
	Title       string
	Message     string
	Priority    string
	ActionURL   string
	PayloadJSON string
	IsRead      bool
	CreatedAt   time.Time
	ReadAt      *time.Time
	ExpiresAt   *time.Time
}

// DeliveryState tracks the retry bookkeeping for one delivery unit.
// Invariant: Sent implies LastError == "" and SentAt set; AttemptCount only
// grows until the unit is sent or reset.
type DeliveryState struct {
	Key           string
	AttemptCount  int
	LastAttemptAt time.Time
	LastError     string
	Sent          bool
	SentAt        *time.Time
}

// EventStore persists the realtime event audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, event RealtimeEvent) error
	ListEventsSince(ctx context.Context, since time.Time, limit int) ([]RealtimeEvent, error)
	// DeleteEventsBefore purges aged audit rows and reports how many went.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// NotificationStore persists user notification state. All mutations are
// scoped by (id, userID) so one user cannot touch another's rows.
type NotificationStore interface {
	PutNotification(ctx context.Context, notification Notification) error
	GetNotification(ctx context.Context, id, userID string) (Notification, error)
	// ListUnreadByUser returns unread, unexpired notifications, newest first.
	ListUnreadByUser(ctx context.Context, userID string, now time.Time) ([]Notification, error)
	CountUnreadByUser(ctx context.Context, userID string, now time.Time) (int, error)
	// MarkRead reports whether a row actually transitioned to read.
	MarkRead(ctx context.Context, id, userID string, readAt time.Time) (bool, error)
	MarkAllRead(ctx context.Context, userID string, readAt time.Time) (int, error)
	DeleteNotification(ctx context.Context, id, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// UserRecord is the directory row for one platform user. The realtime core
// does not own user lifecycle; the main backend maintains these rows.
type UserRecord struct {
	ID     string
	Role   string
	Active bool
}

// UserStore resolves token subjects to platform users.
type UserStore interface {
	GetUser(ctx context.Context, id string) (UserRecord, error)
	// PutUser inserts or updates one directory row. Used by the sync path
	// and by tests.
	PutUser(ctx context.Context, user UserRecord) error
}

// DeliveryStateStore persists per-delivery-unit retry attempt state.
type DeliveryStateStore interface {
	UpsertDeliveryState(ctx context.Context, state DeliveryState) error
	GetDeliveryState(ctx context.Context, key string) (DeliveryState, error)
	// ResetDeliveryState clears the attempt bookkeeping so an external sweep
	// can run a fresh retry cycle for the unit.
	ResetDeliveryState(ctx context.Context, key string) error
}
