package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/state"
	"github.com/google/uuid"
)

type InMemoryManager struct {
	conns      map[uuid.UUID]*state.Connection
	identities map[string]*state.Identity
	rooms      map[string]*state.Room

	// Lock order is conns -> identities -> rooms; every method that takes
	// more than one must acquire in that order.
	connMu sync.RWMutex
	idMu   sync.RWMutex
	roomMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		identities: make(map[string]*state.Identity),
		rooms:      make(map[string]*state.Room),
		logger:     logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Registry.
var _ state.Registry = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(transport state.Sender, clientKey string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := transport.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		ClientKey: clientKey,
		Transport: transport,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	// detach conn from its identity
	if conn.Identity != nil {
		m.idMu.Lock()
		ident := conn.Identity
		delete(ident.Connections, connID)
		if len(ident.Connections) == 0 {
			delete(m.identities, ident.UserID)
		}
		m.idMu.Unlock()
		m.logger.Debug("Detached connection from identity",
			slog.String("connID", connID.String()), slog.String("userID", ident.UserID))
	}

	// drop every room membership; empty rooms are removed
	m.roomMu.Lock()
	for roomID := range conn.Rooms {
		if room, ok := m.rooms[roomID]; ok {
			delete(room.Members, connID)
			if len(room.Members) == 0 {
				delete(m.rooms, roomID)
			}
		}
	}
	m.roomMu.Unlock()

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) AllSenders() []state.Sender {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	senders := make([]state.Sender, 0, len(m.conns))
	for _, c := range m.conns {
		senders = append(senders, c.Transport)
	}
	return senders
}

// --- Identity Management ---

func (m *InMemoryManager) AssociateIdentity(connID uuid.UUID, userID, role string) (*state.Identity, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.idMu.Lock()
	defer m.idMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot associate identity with unknown connection")
	}

	// Find or create the identity.
	ident, exists := m.identities[userID]
	if !exists {
		ident = &state.Identity{
			UserID:      userID,
			Role:        role,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.identities[userID] = ident
		m.logger.Debug("Created new identity", slog.String("userID", userID))
	}

	ident.Role = role
	conn.Identity = ident
	ident.Connections[connID] = conn

	m.logger.Debug("Associated connection with identity",
		slog.String("connID", connID.String()), slog.String("userID", userID))
	return ident, nil
}

func (m *InMemoryManager) FindIdentity(userID string) (*state.Identity, bool) {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	ident, ok := m.identities[userID]
	return ident, ok
}

func (m *InMemoryManager) ConnectedUserCount() int {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	return len(m.identities)
}

func (m *InMemoryManager) ConnectedUserIDs() []string {
	m.idMu.RLock()
	defer m.idMu.RUnlock()

	ids := make([]string, 0, len(m.identities))
	for id := range m.identities {
		ids = append(ids, id)
	}
	return ids
}

// --- Room & Membership Management ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomID string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot join room: connection not found")
	}

	// Already a member; nothing to do.
	if _, joined := conn.Rooms[roomID]; joined {
		return nil
	}

	// Find or create the room.
	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomID] = room
	}

	conn.Rooms[roomID] = struct{}{}
	room.Members[connID] = conn

	m.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomID string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// Connection is gone, so it can't be in the room.
		return nil
	}

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}

	delete(conn.Rooms, roomID)
	delete(room.Members, connID)

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}

	m.logger.Debug("Connection left room",
		slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

func (m *InMemoryManager) RoomSenders(roomID string) []state.Sender {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	senders := make([]state.Sender, 0, len(room.Members))
	for _, c := range room.Members {
		senders = append(senders, c.Transport)
	}
	return senders
}

func (m *InMemoryManager) FindRoom(roomID string) (*state.Room, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}
