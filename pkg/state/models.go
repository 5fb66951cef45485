package state

import (
	"time"

	"github.com/google/uuid"
)

// Sender is the transport-facing surface the registry needs from a live
// connection. pkg/transport.Connection satisfies it.
type Sender interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	ClientKey string // remoteAddr+userAgent; the rate limiter's bucket key
	Transport Sender
	Identity  *Identity           // nil until authentication resolves
	Rooms     map[string]struct{} // room keys this connection is joined to
	CreatedAt time.Time
}

// Identity is the canonical record of one authenticated user, aggregating
// all of their live connections. A user with two tabs has one Identity.
type Identity struct {
	UserID      string
	Role        string
	Connections map[uuid.UUID]*Connection
}

// Room is a broadcast group of connections. Rooms are not persisted; they
// exist only while at least one member is joined.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
}
