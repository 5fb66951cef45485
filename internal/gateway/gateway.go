package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/ratelimit"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/state"
	"github.com/google/uuid"
)

// Gateway is the realtime fan-out core: it authenticates connections,
// admits inbound actions through the rate limiter, and publishes events to
// rooms. One gateway serves the whole process.
type Gateway struct {
	logger   *slog.Logger
	registry state.Registry
	limiter  *ratelimit.Limiter
	verifier TokenVerifier
	users    UserDirectory
	events   storage.EventStore

	clock func() time.Time
	newID func() string
}

type Option func(*Gateway)

// WithClock injects the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithIDGenerator injects the audit event id source (tests).
func WithIDGenerator(newID func() string) Option {
	return func(g *Gateway) { g.newID = newID }
}

func New(
	logger *slog.Logger,
	registry state.Registry,
	limiter *ratelimit.Limiter,
	verifier TokenVerifier,
	users UserDirectory,
	events storage.EventStore,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		logger:   logger.With(slog.String("component", "gateway")),
		registry: registry,
		limiter:  limiter,
		verifier: verifier,
		users:    users,
		events:   events,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect authenticates a handshake and registers the connection. On success
// the connection is auto-joined to its user and role rooms and receives the
// `connected` acknowledgement. Any failure leaves no observable registration
// behind; the caller must close the transport without emitting anything.
func (g *Gateway) Connect(ctx context.Context, transport state.Sender, handshake Handshake) (*state.Connection, error) {
	if handshake.Token == "" {
		return nil, ErrMissingToken
	}

	subject, err := g.verifier.Verify(ctx, handshake.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, err := g.users.FindUser(ctx, subject)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: subject %q", ErrUnknownOrInactiveUser, subject)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	case !user.Active:
		return nil, fmt.Errorf("%w: subject %q", ErrUnknownOrInactiveUser, subject)
	}

	conn, err := g.registry.RegisterConnection(transport, handshake.ClientKey())
	if err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	if _, err := g.registry.AssociateIdentity(conn.ID, user.ID, user.Role); err != nil {
		_ = g.registry.DeregisterConnection(conn.ID)
		return nil, fmt.Errorf("associate identity: %w", err)
	}
	for _, roomID := range []string{state.UserRoom(user.ID), state.RoleRoom(user.Role)} {
		if err := g.registry.Join(conn.ID, roomID); err != nil {
			_ = g.registry.DeregisterConnection(conn.ID)
			return nil, fmt.Errorf("auto-join %s: %w", roomID, err)
		}
	}

	g.sendTo(transport, EventConnected, ConnectedPayload{
		Message: "Connected to realtime service",
		UserID:  user.ID,
	})

	g.logger.Info("Connection authenticated",
		slog.String("connID", conn.ID.String()),
		slog.String("userID", user.ID),
		slog.String("role", user.Role),
	)
	return conn, nil
}

// Disconnect removes the connection and every room membership. Idempotent;
// publishes racing a disconnect silently skip the dead connection.
func (g *Gateway) Disconnect(connID uuid.UUID) {
	if err := g.registry.DeregisterConnection(connID); err != nil {
		g.logger.Error("Failed to deregister connection", slog.String("connID", connID.String()), slog.Any("error", err))
	}
}

// Publish delivers the event to every current member of the room, in FIFO
// order for this call, and appends one audit record. Dead members are
// skipped by the transport layer.
func (g *Gateway) Publish(ctx context.Context, roomID, event string, payload any) error {
	return g.publish(ctx, roomID, event, payload, uuid.Nil)
}

// PublishExcept is Publish minus one origin connection; used for relays like
// typing indicators that must not echo to their sender.
func (g *Gateway) PublishExcept(ctx context.Context, roomID string, except uuid.UUID, event string, payload any) error {
	return g.publish(ctx, roomID, event, payload, except)
}

func (g *Gateway) publish(ctx context.Context, roomID, event string, payload any, except uuid.UUID) error {
	msg, raw, err := encodeServerMessage(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	delivered := 0
	for _, sender := range g.registry.RoomSenders(roomID) {
		if except != uuid.Nil && sender.ID() == except {
			continue
		}
		sender.Send(msg)
		delivered++
	}

	g.recordEvent(ctx, roomID, event, raw)

	g.logger.Debug("Published event",
		slog.String("roomID", roomID),
		slog.String("event", event),
		slog.Int("delivered", delivered),
	)
	return nil
}

// recordEvent appends the audit row for one broadcast. Audit failures are
// logged, not propagated; fan-out already happened.
func (g *Gateway) recordEvent(ctx context.Context, roomID, event string, payload json.RawMessage) {
	if g.events == nil {
		return
	}
	record := storage.RealtimeEvent{
		ID:          g.newID(),
		Type:        event,
		PayloadJSON: string(payload),
		Timestamp:   g.clock(),
	}
	switch {
	case strings.HasPrefix(roomID, "user:"):
		record.UserID = strings.TrimPrefix(roomID, "user:")
	case strings.HasPrefix(roomID, "role:"):
		record.Role = strings.TrimPrefix(roomID, "role:")
	}
	if err := g.events.AppendEvent(ctx, record); err != nil {
		g.logger.Error("Failed to append audit event",
			slog.String("event", event), slog.Any("error", err))
	}
}

// --- Convenience emitters over the room-naming convention ---

func (g *Gateway) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	return g.Publish(ctx, state.UserRoom(userID), event, payload)
}

func (g *Gateway) EmitToRole(ctx context.Context, role, event string, payload any) error {
	return g.Publish(ctx, state.RoleRoom(role), event, payload)
}

func (g *Gateway) EmitToProject(ctx context.Context, projectID, event string, payload any) error {
	return g.Publish(ctx, state.ProjectRoom(projectID), event, payload)
}

func (g *Gateway) EmitToConversation(ctx context.Context, conversationID, event string, payload any) error {
	return g.Publish(ctx, state.ConversationRoom(conversationID), event, payload)
}

// EmitDashboardUpdate pushes a dashboard-update scoped to a user or a role;
// exactly one of userID/role must be set.
func (g *Gateway) EmitDashboardUpdate(ctx context.Context, updateType string, data json.RawMessage, userID, role string) error {
	payload := DashboardUpdatePayload{
		Type:      updateType,
		Data:      data,
		UserID:    userID,
		Role:      role,
		Timestamp: g.clock().UnixMilli(),
	}
	switch {
	case userID != "" && role == "":
		return g.EmitToUser(ctx, userID, EventDashboardUpdate, payload)
	case role != "" && userID == "":
		return g.EmitToRole(ctx, role, EventDashboardUpdate, payload)
	default:
		return errors.New("dashboard update requires exactly one of userID or role")
	}
}

// --- Introspection ---

// ConnectedUserCount reports distinct authenticated users, not connections.
func (g *Gateway) ConnectedUserCount() int {
	return g.registry.ConnectedUserCount()
}

func (g *Gateway) ConnectedUserIDs() []string {
	return g.registry.ConnectedUserIDs()
}

// --- Internals ---

func (g *Gateway) sendTo(sender state.Sender, event string, payload any) {
	msg, _, err := encodeServerMessage(event, payload)
	if err != nil {
		g.logger.Error("Failed to encode server message", slog.String("event", event), slog.Any("error", err))
		return
	}
	sender.Send(msg)
}

func encodeServerMessage(event string, payload any) (envelope []byte, raw json.RawMessage, err error) {
	raw, err = json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	envelope, err = json.Marshal(ServerMessage{Event: event, Payload: raw})
	if err != nil {
		return nil, nil, err
	}
	return envelope, raw, nil
}
