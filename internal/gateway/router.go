package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// HandleMessage routes one inbound wire message. Messages from connections
// that already disconnected are no-ops.
func (g *Gateway) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := g.registry.GetConnection(connID)
	if !ok {
		return
	}

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		g.logger.Warn("Failed to unmarshal client message",
			slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	switch clientMsg.Event {
	case ActionJoinProject:
		projectID := gjson.GetBytes(clientMsg.Payload, "projectId").String()
		if projectID == "" {
			g.logger.Warn("join-project without projectId", slog.String("connID", connID.String()))
			return
		}
		g.handleJoin(conn, ActionJoinProject, state.ProjectRoom(projectID),
			EventJoinedProject, RoomAckPayload{ProjectID: projectID})

	case ActionJoinConversation:
		conversationID := gjson.GetBytes(clientMsg.Payload, "conversationId").String()
		if conversationID == "" {
			g.logger.Warn("join-conversation without conversationId", slog.String("connID", connID.String()))
			return
		}
		g.handleJoin(conn, ActionJoinConversation, state.ConversationRoom(conversationID),
			EventJoinedConversation, RoomAckPayload{ConversationID: conversationID})

	case ActionLeaveProject:
		projectID := gjson.GetBytes(clientMsg.Payload, "projectId").String()
		if projectID == "" {
			return
		}
		g.handleLeave(conn, ActionLeaveProject, state.ProjectRoom(projectID),
			EventLeftProject, RoomAckPayload{ProjectID: projectID})

	case ActionLeaveConversation:
		conversationID := gjson.GetBytes(clientMsg.Payload, "conversationId").String()
		if conversationID == "" {
			return
		}
		g.handleLeave(conn, ActionLeaveConversation, state.ConversationRoom(conversationID),
			EventLeftConversation, RoomAckPayload{ConversationID: conversationID})

	case ActionTypingStart:
		g.handleTyping(ctx, conn, ActionTypingStart, clientMsg.Payload, true)

	case ActionTypingStop:
		g.handleTyping(ctx, conn, ActionTypingStop, clientMsg.Payload, false)

	default:
		g.logger.Warn("Received unknown event",
			slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
	}
}

// handleJoin runs the admission check then applies the membership. A rejected
// join changes no state and emits no acknowledgement; the warning from the
// limiter path is all the client sees.
func (g *Gateway) handleJoin(conn *state.Connection, action, roomID, ackEvent string, ack RoomAckPayload) {
	if !g.admit(conn, action) {
		return
	}
	if err := g.registry.Join(conn.ID, roomID); err != nil {
		g.logger.Error("Failed to join room",
			slog.String("connID", conn.ID.String()), slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	g.sendTo(conn.Transport, ackEvent, ack)
}

func (g *Gateway) handleLeave(conn *state.Connection, action, roomID, ackEvent string, ack RoomAckPayload) {
	if !g.admit(conn, action) {
		return
	}
	if err := g.registry.Leave(conn.ID, roomID); err != nil {
		g.logger.Error("Failed to leave room",
			slog.String("connID", conn.ID.String()), slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	g.sendTo(conn.Transport, ackEvent, ack)
}

// handleTyping relays a typing indicator to every other member of the
// conversation room.
func (g *Gateway) handleTyping(ctx context.Context, conn *state.Connection, action string, payload json.RawMessage, isTyping bool) {
	conversationID := gjson.GetBytes(payload, "conversationId").String()
	if conversationID == "" {
		return
	}
	if !g.admit(conn, action) {
		return
	}
	err := g.PublishExcept(ctx, state.ConversationRoom(conversationID), conn.ID,
		EventTyping, TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
	if err != nil {
		g.logger.Error("Failed to relay typing indicator",
			slog.String("conversationID", conversationID), slog.Any("error", err))
	}
}

// admit consults the rate limiter for one action. Rejections warn the client
// over the wire and swallow the action; the connection stays alive.
func (g *Gateway) admit(conn *state.Connection, action string) bool {
	decision := g.limiter.Check(conn.ClientKey, action)
	if decision.Allowed {
		return true
	}
	g.sendTo(conn.Transport, EventRateLimitWarning, RateLimitWarningPayload{
		Event:        action,
		BlockedUntil: decision.BlockedUntil.UnixMilli(),
		Message:      "Rate limit exceeded for " + action + ". Please slow down.",
	})
	return false
}
