package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/gateway"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/ratelimit"
	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/storage"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/state"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/state/statemanager"
)

// fakeSender captures everything the gateway writes to one connection.
type fakeSender struct {
	mu   sync.Mutex
	id   uuid.UUID
	msgs [][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{id: uuid.New()}
}

func (f *fakeSender) ID() uuid.UUID { return f.id }

func (f *fakeSender) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message)
}

func (f *fakeSender) Close(err error) {}

// events decodes the captured wire frames into server message envelopes.
func (f *fakeSender) events(t *testing.T) []gateway.ServerMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.ServerMessage, 0, len(f.msgs))
	for _, raw := range f.msgs {
		var msg gateway.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("captured frame is not a server message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeSender) eventNames(t *testing.T) []string {
	t.Helper()
	msgs := f.events(t)
	names := make([]string, len(msgs))
	for i, msg := range msgs {
		names[i] = msg.Event
	}
	return names
}

type stubVerifier struct {
	subjects map[string]string // token -> subject
}

func (v *stubVerifier) Verify(_ context.Context, token string) (string, error) {
	subject, ok := v.subjects[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return subject, nil
}

type stubDirectory struct {
	users map[string]gateway.UserRecord
}

func (d *stubDirectory) FindUser(_ context.Context, userID string) (gateway.UserRecord, error) {
	user, ok := d.users[userID]
	if !ok {
		return gateway.UserRecord{}, storage.ErrNotFound
	}
	return user, nil
}

// failingDirectory simulates the user store being unreachable.
type failingDirectory struct {
	err error
}

func (d failingDirectory) FindUser(_ context.Context, userID string) (gateway.UserRecord, error) {
	return gateway.UserRecord{}, d.err
}

type memEventStore struct {
	mu     sync.Mutex
	events []storage.RealtimeEvent
}

func (s *memEventStore) AppendEvent(_ context.Context, event storage.RealtimeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memEventStore) ListEventsSince(_ context.Context, since time.Time, limit int) ([]storage.RealtimeEvent, error) {
	return nil, nil
}

func (s *memEventStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (s *memEventStore) all() []storage.RealtimeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.RealtimeEvent(nil), s.events...)
}

type fixture struct {
	gw       *gateway.Gateway
	registry state.Registry
	events   *memEventStore
}

func newFixture(t *testing.T, limiterOpts ...ratelimit.Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	registry := statemanager.NewInMemoryManager(logger)
	limiter := ratelimit.New(logger, limiterOpts...)
	verifier := &stubVerifier{subjects: map[string]string{
		"token-u1":    "u1",
		"token-u2":    "u2",
		"token-u3":    "u3",
		"token-ghost": "ghost",
	}}
	directory := &stubDirectory{users: map[string]gateway.UserRecord{
		"u1": {ID: "u1", Role: "student", Active: true},
		"u2": {ID: "u2", Role: "supervisor", Active: true},
		"u3": {ID: "u3", Role: "student", Active: false},
	}}
	events := &memEventStore{}
	gw := gateway.New(logger, registry, limiter, verifier, directory, events)
	return &fixture{gw: gw, registry: registry, events: events}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (fx *fixture) connect(t *testing.T, token string) (*state.Connection, *fakeSender) {
	t.Helper()
	sender := newFakeSender()
	conn, err := fx.gw.Connect(context.Background(), sender, gateway.Handshake{
		Token:      token,
		RemoteAddr: "10.0.0.1:50000",
		UserAgent:  "test-agent",
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return conn, sender
}

func clientFrame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(gateway.ClientMessage{Event: event, Payload: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return frame
}

func TestConnectRejectsBadHandshakes(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing token", "", gateway.ErrMissingToken},
		{"invalid token", "garbage", gateway.ErrInvalidToken},
		{"unknown user", "token-ghost", gateway.ErrUnknownOrInactiveUser},
		{"inactive user", "token-u3", gateway.ErrUnknownOrInactiveUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			sender := newFakeSender()
			_, err := fx.gw.Connect(context.Background(), sender, gateway.Handshake{Token: tc.token})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Connect error = %v, want %v", err, tc.wantErr)
			}
			if got := fx.gw.ConnectedUserCount(); got != 0 {
				t.Errorf("ConnectedUserCount = %d after failed connect, want 0", got)
			}
			// A failed handshake must be silent on the wire.
			if msgs := sender.events(t); len(msgs) != 0 {
				t.Errorf("rejected connection received %d frames, want 0", len(msgs))
			}
		})
	}
}

func TestConnectDistinguishesDirectoryFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	registry := statemanager.NewInMemoryManager(logger)
	limiter := ratelimit.New(logger)
	verifier := &stubVerifier{subjects: map[string]string{"token-u1": "u1"}}
	directory := failingDirectory{err: errors.New("database is locked")}
	gw := gateway.New(logger, registry, limiter, verifier, directory, &memEventStore{})

	sender := newFakeSender()
	_, err := gw.Connect(context.Background(), sender, gateway.Handshake{Token: "token-u1"})
	if !errors.Is(err, gateway.ErrDirectoryUnavailable) {
		t.Fatalf("Connect error = %v, want ErrDirectoryUnavailable", err)
	}
	if errors.Is(err, gateway.ErrUnknownOrInactiveUser) {
		t.Errorf("infrastructure failure reported the subject as unknown or inactive")
	}
	// Still silent on the wire, like every handshake rejection.
	if msgs := sender.events(t); len(msgs) != 0 {
		t.Errorf("rejected connection received %d frames, want 0", len(msgs))
	}
}

func TestConnectAutoJoinsAndAcknowledges(t *testing.T) {
	fx := newFixture(t)
	conn, sender := fx.connect(t, "token-u1")

	msgs := sender.events(t)
	if len(msgs) != 1 || msgs[0].Event != gateway.EventConnected {
		t.Fatalf("events = %v, want single %q", sender.eventNames(t), gateway.EventConnected)
	}
	var payload gateway.ConnectedPayload
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("decode connected payload: %v", err)
	}
	if payload.UserID != "u1" {
		t.Errorf("connected userId = %q, want u1", payload.UserID)
	}

	for _, roomID := range []string{state.UserRoom("u1"), state.RoleRoom("student")} {
		room, ok := fx.registry.FindRoom(roomID)
		if !ok {
			t.Fatalf("room %s missing after connect", roomID)
		}
		if _, member := room.Members[conn.ID]; !member {
			t.Errorf("connection not a member of %s", roomID)
		}
	}
	if got := fx.gw.ConnectedUserCount(); got != 1 {
		t.Errorf("ConnectedUserCount = %d, want 1", got)
	}
}

func TestJoinProjectAcksAndScopesFanout(t *testing.T) {
	fx := newFixture(t)
	member, memberSender := fx.connect(t, "token-u1")
	_, outsiderSender := fx.connect(t, "token-u2")

	fx.gw.HandleMessage(context.Background(), member.ID,
		clientFrame(t, gateway.ActionJoinProject, map[string]string{"projectId": "p1"}))

	names := memberSender.eventNames(t)
	if len(names) != 2 || names[1] != gateway.EventJoinedProject {
		t.Fatalf("member events = %v, want connected then joined-project", names)
	}

	if err := fx.gw.EmitToProject(context.Background(), "p1", "milestone.updated", map[string]string{"id": "m1"}); err != nil {
		t.Fatalf("EmitToProject: %v", err)
	}

	names = memberSender.eventNames(t)
	if names[len(names)-1] != "milestone.updated" {
		t.Errorf("member did not receive project event, got %v", names)
	}
	for _, name := range outsiderSender.eventNames(t) {
		if name == "milestone.updated" {
			t.Errorf("non-member received project event")
		}
	}
}

func TestLeaveProjectStopsDelivery(t *testing.T) {
	fx := newFixture(t)
	conn, sender := fx.connect(t, "token-u1")
	ctx := context.Background()

	fx.gw.HandleMessage(ctx, conn.ID, clientFrame(t, gateway.ActionJoinProject, map[string]string{"projectId": "p1"}))
	fx.gw.HandleMessage(ctx, conn.ID, clientFrame(t, gateway.ActionLeaveProject, map[string]string{"projectId": "p1"}))

	names := sender.eventNames(t)
	if names[len(names)-1] != gateway.EventLeftProject {
		t.Fatalf("events = %v, want left-project last", names)
	}

	if err := fx.gw.EmitToProject(ctx, "p1", "milestone.updated", nil); err != nil {
		t.Fatalf("EmitToProject: %v", err)
	}
	for _, name := range sender.eventNames(t) {
		if name == "milestone.updated" {
			t.Errorf("connection received project event after leaving")
		}
	}
}

func TestRateLimitedJoinWarnsAndDropsAction(t *testing.T) {
	fx := newFixture(t, ratelimit.WithActionConfig(gateway.ActionJoinProject, ratelimit.ActionConfig{
		Window:        time.Minute,
		MaxRequests:   2,
		BlockDuration: 5 * time.Minute,
	}))
	conn, sender := fx.connect(t, "token-u1")
	ctx := context.Background()

	for _, projectID := range []string{"p1", "p2", "p3"} {
		fx.gw.HandleMessage(ctx, conn.ID,
			clientFrame(t, gateway.ActionJoinProject, map[string]string{"projectId": projectID}))
	}

	names := sender.eventNames(t)
	want := []string{gateway.EventConnected, gateway.EventJoinedProject, gateway.EventJoinedProject, gateway.EventRateLimitWarning}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}

	var warning gateway.RateLimitWarningPayload
	msgs := sender.events(t)
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &warning); err != nil {
		t.Fatalf("decode warning payload: %v", err)
	}
	if warning.Event != gateway.ActionJoinProject {
		t.Errorf("warning event = %q, want %q", warning.Event, gateway.ActionJoinProject)
	}
	if warning.BlockedUntil <= time.Now().UnixMilli() {
		t.Errorf("warning blockedUntil = %d, want a future timestamp", warning.BlockedUntil)
	}

	// The rejected join must not have changed membership.
	if _, ok := fx.registry.FindRoom(state.ProjectRoom("p3")); ok {
		t.Errorf("rejected join created room membership")
	}
	if _, ok := fx.registry.FindRoom(state.ProjectRoom("p2")); !ok {
		t.Errorf("allowed join lost its membership")
	}
}

func TestTypingRelayExcludesOrigin(t *testing.T) {
	fx := newFixture(t)
	origin, originSender := fx.connect(t, "token-u1")
	peer, peerSender := fx.connect(t, "token-u2")
	ctx := context.Background()

	for _, id := range []uuid.UUID{origin.ID, peer.ID} {
		fx.gw.HandleMessage(ctx, id,
			clientFrame(t, gateway.ActionJoinConversation, map[string]string{"conversationId": "c1"}))
	}

	fx.gw.HandleMessage(ctx, origin.ID,
		clientFrame(t, gateway.ActionTypingStart, map[string]string{"conversationId": "c1"}))

	peerNames := peerSender.eventNames(t)
	if peerNames[len(peerNames)-1] != gateway.EventTyping {
		t.Fatalf("peer events = %v, want ai-typing last", peerNames)
	}
	var typing gateway.TypingPayload
	peerMsgs := peerSender.events(t)
	if err := json.Unmarshal(peerMsgs[len(peerMsgs)-1].Payload, &typing); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if !typing.IsTyping || typing.ConversationID != "c1" {
		t.Errorf("typing payload = %+v, want isTyping in c1", typing)
	}

	for _, name := range originSender.eventNames(t) {
		if name == gateway.EventTyping {
			t.Errorf("typing indicator echoed to its origin")
		}
	}
}

func TestPublishAppendsAuditRecord(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "token-u1")
	ctx := context.Background()

	if err := fx.gw.EmitToUser(ctx, "u1", gateway.EventNotificationNew, map[string]string{"id": "n1"}); err != nil {
		t.Fatalf("EmitToUser: %v", err)
	}
	if err := fx.gw.EmitToRole(ctx, "supervisor", gateway.EventDashboardUpdate, nil); err != nil {
		t.Fatalf("EmitToRole: %v", err)
	}

	records := fx.events.all()
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(records))
	}
	if records[0].UserID != "u1" || records[0].Type != gateway.EventNotificationNew {
		t.Errorf("user-scoped record = %+v", records[0])
	}
	// Role broadcasts audit even with no members online.
	if records[1].Role != "supervisor" {
		t.Errorf("role-scoped record = %+v", records[1])
	}
}

func TestDisconnectRemovesUserEverywhere(t *testing.T) {
	fx := newFixture(t)
	conn, _ := fx.connect(t, "token-u1")
	ctx := context.Background()
	fx.gw.HandleMessage(ctx, conn.ID, clientFrame(t, gateway.ActionJoinProject, map[string]string{"projectId": "p1"}))

	fx.gw.Disconnect(conn.ID)

	if got := fx.gw.ConnectedUserCount(); got != 0 {
		t.Errorf("ConnectedUserCount = %d after disconnect, want 0", got)
	}
	if _, ok := fx.registry.FindRoom(state.ProjectRoom("p1")); ok {
		t.Errorf("project room survived its last member")
	}
	// Messages from a dead connection are swallowed.
	fx.gw.HandleMessage(ctx, conn.ID, clientFrame(t, gateway.ActionJoinProject, map[string]string{"projectId": "p2"}))
	if _, ok := fx.registry.FindRoom(state.ProjectRoom("p2")); ok {
		t.Errorf("dead connection joined a room")
	}
}

func TestEmitDashboardUpdateRequiresOneScope(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.gw.EmitDashboardUpdate(ctx, "metrics", nil, "u1", "student"); err == nil {
		t.Errorf("both scopes accepted, want error")
	}
	if err := fx.gw.EmitDashboardUpdate(ctx, "metrics", nil, "", ""); err == nil {
		t.Errorf("no scope accepted, want error")
	}
	if err := fx.gw.EmitDashboardUpdate(ctx, "metrics", json.RawMessage(`{"open":3}`), "u1", ""); err != nil {
		t.Errorf("user scope rejected: %v", err)
	}
}

func TestJWTVerifier(t *testing.T) {
	const secret = "test-secret"
	verifier := gateway.NewJWTVerifier(secret)
	ctx := context.Background()

	sign := func(t *testing.T, secret string, claims gateway.AppClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return token
	}

	good := sign(t, secret, gateway.AppClaims{
		Role: "student",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	subject, err := verifier.Verify(ctx, good)
	if err != nil {
		t.Fatalf("Verify valid token: %v", err)
	}
	if subject != "u1" {
		t.Errorf("subject = %q, want u1", subject)
	}

	if _, err := verifier.Verify(ctx, sign(t, "wrong-secret", gateway.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	})); err == nil {
		t.Errorf("token signed with wrong secret verified")
	}

	if _, err := verifier.Verify(ctx, sign(t, secret, gateway.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})); err == nil {
		t.Errorf("expired token verified")
	}

	if _, err := verifier.Verify(ctx, sign(t, secret, gateway.AppClaims{})); err == nil {
		t.Errorf("token without subject verified")
	}
}
