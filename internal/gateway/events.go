package gateway

import "encoding/json"

// Wire event names consumed from clients. Each doubles as the rate limiter
// action name for its admission check.
const (
	ActionJoinProject       = "join-project"
	ActionJoinConversation  = "join-conversation"
	ActionLeaveProject      = "leave-project"
	ActionLeaveConversation = "leave-conversation"
	ActionTypingStart       = "ai-typing-start"
	ActionTypingStop        = "ai-typing-stop"
)

// Wire event names pushed to clients.
const (
	EventConnected          = "connected"
	EventRateLimitWarning   = "rate-limit-warning"
	EventJoinedProject      = "joined-project"
	EventJoinedConversation = "joined-conversation"
	EventLeftProject        = "left-project"
	EventLeftConversation   = "left-conversation"
	EventTyping             = "ai-typing"
	EventDashboardUpdate    = "dashboard-update"
	EventNotificationNew    = "notification.created"
)

// ClientMessage is the inbound wire envelope.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the outbound wire envelope.
type ServerMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ConnectedPayload struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// RateLimitWarningPayload tells a throttled client which action tripped the
// limiter and when the block lifts (unix milliseconds).
type RateLimitWarningPayload struct {
	Event        string `json:"event"`
	BlockedUntil int64  `json:"blockedUntil"`
	Message      string `json:"message"`
}

type RoomAckPayload struct {
	ProjectID      string `json:"projectId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// DashboardUpdatePayload is pushed on dashboard-update events; UserID or Role
// reflects the room the update was scoped to.
type DashboardUpdatePayload struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId,omitempty"`
	Role      string          `json:"role,omitempty"`
	Timestamp int64           `json:"timestamp"`
}
