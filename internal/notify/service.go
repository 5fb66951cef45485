// Package notify owns durable notifications: persistence, the live
// notification.created push, and optional out-of-band delivery through the
// retry engine.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/gateway"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/retry"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
)

var ErrInvalidNotification = errors.New("notification requires a user and a title")

// Publisher is the slice of the gateway the service pushes through.
type Publisher interface {
	EmitToUser(ctx context.Context, userID, event string, payload any) error
}

// EmailSender delivers one notification by email. Concrete providers are
// injected by the embedding application.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers one notification by SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, number, message string) error
}

// CreateInput describes one notification to create. Delivery fields are
// optional; when set, the corresponding channel send runs out of band under
// the retry policy.
type CreateInput struct {
	UserID    string
	Type      string
	Title     string
	Message   string
	Priority  string
	ActionURL string
	Payload   json.RawMessage
	ExpiresAt *time.Time

	EmailTo   string
	SMSNumber string
}

// CreatedPayload is the wire payload of a notification.created push.
type CreatedPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Priority  string          `json:"priority,omitempty"`
	ActionURL string          `json:"actionUrl,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
}

// Service is the NotificationService. One instance serves the process.
type Service struct {
	logger    *slog.Logger
	store     storage.NotificationStore
	publisher Publisher
	retrier   *retry.Engine
	email     EmailSender
	sms       SMSSender

	clock func() time.Time
	newID func() string

	wg sync.WaitGroup
}

type Option func(*Service)

func WithEmailSender(sender EmailSender) Option {
	return func(s *Service) { s.email = sender }
}

func WithSMSSender(sender SMSSender) Option {
	return func(s *Service) { s.sms = sender }
}

// WithClock injects the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIDGenerator injects the notification id source (tests).
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func New(logger *slog.Logger, store storage.NotificationStore, publisher Publisher, retrier *retry.Engine, opts ...Option) *Service {
	s := &Service{
		logger:    logger.With(slog.String("component", "notify")),
		store:     store,
		publisher: publisher,
		retrier:   retrier,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists the notification, pushes notification.created to the
// user's room, and kicks off any requested out-of-band delivery. The push
// and the channel sends are best effort; only persistence failures fail the
// call.
func (s *Service) Create(ctx context.Context, input CreateInput) (storage.Notification, error) {
	if input.UserID == "" || input.Title == "" {
		return storage.Notification{}, ErrInvalidNotification
	}

	notification := storage.Notification{
		ID:          s.newID(),
		UserID:      input.UserID,
		Type:        input.Type,
		Title:       input.Title,
		Message:     input.Message,
		Priority:    input.Priority,
		ActionURL:   input.ActionURL,
		PayloadJSON: string(input.Payload),
		CreatedAt:   s.clock(),
		ExpiresAt:   input.ExpiresAt,
	}
	if err := s.store.PutNotification(ctx, notification); err != nil {
		return storage.Notification{}, fmt.Errorf("persist notification: %w", err)
	}

	s.push(ctx, notification)
	s.deliverOutOfBand(notification, input)

	return notification, nil
}

// push emits the live notification.created event. A user with no open
// connections simply misses the push; the durable row is the source of
// truth.
func (s *Service) push(ctx context.Context, n storage.Notification) {
	payload := CreatedPayload{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		ActionURL: n.ActionURL,
		Payload:   json.RawMessage(n.PayloadJSON),
		CreatedAt: n.CreatedAt.UnixMilli(),
	}
	if n.ExpiresAt != nil {
		payload.ExpiresAt = n.ExpiresAt.UnixMilli()
	}
	if err := s.publisher.EmitToUser(ctx, n.UserID, gateway.EventNotificationNew, payload); err != nil {
		s.logger.Error("Failed to push notification",
			slog.String("notificationID", n.ID), slog.Any("error", err))
	}
}

// deliverOutOfBand runs requested channel sends in the background. Retry
// cycles run to success or exhaustion, so they must not block Create.
func (s *Service) deliverOutOfBand(n storage.Notification, input CreateInput) {
	if input.EmailTo != "" && s.email != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.retrier.RetryEmailDelivery(context.Background(), "email:"+n.ID, input.EmailTo,
				func(ctx context.Context) error {
					return s.email.SendEmail(ctx, input.EmailTo, n.Title, n.Message)
				})
			if err != nil {
				s.logger.Error("Email delivery failed",
					slog.String("notificationID", n.ID), slog.Any("error", err))
			}
		}()
	}
	if input.SMSNumber != "" && s.sms != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.retrier.RetrySMSDelivery(context.Background(), "sms:"+n.ID, input.SMSNumber,
				func(ctx context.Context) error {
					return s.sms.SendSMS(ctx, input.SMSNumber, n.Message)
				})
			if err != nil {
				s.logger.Error("SMS delivery failed",
					slog.String("notificationID", n.ID), slog.Any("error", err))
			}
		}()
	}
}

// Wait blocks until in-flight out-of-band deliveries finish. Called during
// shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// GetPendingNotifications returns the user's unread, unexpired
// notifications, newest first.
func (s *Service) GetPendingNotifications(ctx context.Context, userID string) ([]storage.Notification, error) {
	return s.store.ListUnreadByUser(ctx, userID, s.clock())
}

// GetUnreadNotifications is the client-facing unread list; same view as
// GetPendingNotifications.
func (s *Service) GetUnreadNotifications(ctx context.Context, userID string) ([]storage.Notification, error) {
	return s.GetPendingNotifications(ctx, userID)
}

func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnreadByUser(ctx, userID, s.clock())
}

// MarkAsRead marks one notification read and reports whether it actually
// transitioned. Re-reads and unknown ids report false without error.
func (s *Service) MarkAsRead(ctx context.Context, id, userID string) (bool, error) {
	return s.store.MarkRead(ctx, id, userID, s.clock())
}

func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllRead(ctx, userID, s.clock())
}

func (s *Service) Delete(ctx context.Context, id, userID string) error {
	return s.store.DeleteNotification(ctx, id, userID)
}

// DeleteExpired purges expired rows. Run from the background sweeper.
func (s *Service) DeleteExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, s.clock())
}
