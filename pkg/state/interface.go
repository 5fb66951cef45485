package state

import (
	"github.com/google/uuid"
)

// Registry tracks live connections, their authenticated identities, and room
// memberships. All mutation of the connection and room tables goes through
// these methods; no other component reaches into the maps.
type Registry interface {
	// --- Connection Lifecycle ---
	RegisterConnection(transport Sender, clientKey string) (*Connection, error)
	// DeregisterConnection removes the connection, its room memberships and,
	// when it was the identity's last connection, the identity. Idempotent.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	AllSenders() []Sender

	// --- Identity Management ---
	// AssociateIdentity links a connection to an authenticated user, creating
	// the identity if this is the user's first connection.
	AssociateIdentity(connID uuid.UUID, userID, role string) (*Identity, error)
	FindIdentity(userID string) (*Identity, bool)
	ConnectedUserCount() int
	ConnectedUserIDs() []string

	// --- Room & Membership Management ---
	// Join adds a connection to a room, creating the room if it doesn't exist.
	Join(connID uuid.UUID, roomID string) error
	Leave(connID uuid.UUID, roomID string) error
	// RoomSenders returns a snapshot of the transports currently joined to the
	// room. A missing room yields an empty slice.
	RoomSenders(roomID string) []Sender
	FindRoom(roomID string) (*Room, bool)
}
