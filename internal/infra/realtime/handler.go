package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// TokenResolver authenticates the websocket handshake.
type TokenResolver interface {
	ResolveUser(ctx context.Context, token string) (user.ID, error)
}

// ChatAccess is the slice of the messaging service the socket handler needs:
// membership checks on join and read receipts from live clients.
type ChatAccess interface {
	AuthorizeParticipant(ctx context.Context, requesterID user.ID, conversationID chat.ConversationID) error
	MarkMessageRead(ctx context.Context, requesterID user.ID, messageID chat.MessageID) error
}

// Handler upgrades authenticated clients and drives their read loop. Frames
// are processed one at a time per connection; a bad frame produces an error
// event on that connection only.
type Handler struct {
	Registry *Registry
	Auth     TokenResolver
	Chat     ChatAccess
	Logger   *slog.Logger

	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, auth TokenResolver, chat ChatAccess, logger *slog.Logger) *Handler {
	return &Handler{
		Registry: registry,
		Auth:     auth,
		Chat:     chat,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws. The token travels in the query string or the
// Authorization header; a bad token is rejected before the upgrade.
func (h *Handler) Serve(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return
	}
	userID, err := h.Auth.ResolveUser(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		}
		return
	}

	conn := NewConnection(userID, ws)
	h.Registry.Attach(conn)
	if h.Logger != nil {
		h.Logger.Info("websocket connected", "user_id", userID, "session_id", conn.ID)
	}
	h.readLoop(c.Request.Context(), conn)
}

func (h *Handler) readLoop(ctx context.Context, conn *Connection) {
	defer h.disconnect(conn)
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		h.dispatch(ctx, conn, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, env Envelope) {
	switch env.Event {
	case "joinConversation":
		h.handleJoin(ctx, conn, env.Data)
	case "leaveConversation":
		h.handleLeave(conn, env.Data)
	case "markAsRead":
		h.handleMarkRead(ctx, conn, env.Data)
	case "typing":
		h.handleTyping(conn, env.Data)
	default:
		h.sendError(conn, "unknown event")
	}
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

func (h *Handler) handleJoin(ctx context.Context, conn *Connection, data json.RawMessage) {
	ref, ok := h.decodeRef(conn, data)
	if !ok {
		return
	}
	conversationID := chat.ConversationID(ref.ConversationID)
	if err := h.Chat.AuthorizeParticipant(ctx, conn.UserID, conversationID); err != nil {
		h.sendAccessError(conn, err)
		return
	}
	room := ConversationRoom(conversationID)
	h.Registry.Join(room, conn)
	h.announce(room, conn, EventUserJoined, ref.ConversationID)
}

func (h *Handler) handleLeave(conn *Connection, data json.RawMessage) {
	ref, ok := h.decodeRef(conn, data)
	if !ok {
		return
	}
	room := ConversationRoom(chat.ConversationID(ref.ConversationID))
	if !h.Registry.InRoom(room, conn) {
		return
	}
	h.Registry.Leave(room, conn)
	h.announce(room, conn, EventUserLeft, ref.ConversationID)
}

func (h *Handler) handleMarkRead(ctx context.Context, conn *Connection, data json.RawMessage) {
	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.MessageID) == "" {
		h.sendError(conn, "messageId is required")
		return
	}
	if err := h.Chat.MarkMessageRead(ctx, conn.UserID, chat.MessageID(req.MessageID)); err != nil {
		h.sendAccessError(conn, err)
	}
}

func (h *Handler) handleTyping(conn *Connection, data json.RawMessage) {
	var req struct {
		ConversationID string `json:"conversationId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.ConversationID) == "" {
		h.sendError(conn, "conversationId is required")
		return
	}
	room := ConversationRoom(chat.ConversationID(req.ConversationID))
	// Typing only fans out to rooms the sender actually joined.
	if !h.Registry.InRoom(room, conn) {
		h.sendError(conn, "join the conversation first")
		return
	}
	payload, err := EncodeEvent(EventUserTyping, map[string]any{
		"conversationId": req.ConversationID,
		"userId":         string(conn.UserID),
		"isTyping":       req.IsTyping,
	})
	if err != nil {
		return
	}
	h.Registry.Broadcast([]string{room}, payload, conn.ID)
}

func (h *Handler) disconnect(conn *Connection) {
	rooms := h.Registry.Detach(conn)
	conn.Close(websocket.CloseNormalClosure, "")
	for _, room := range rooms {
		conversationID := strings.TrimPrefix(room, "conversation:")
		h.announce(room, conn, EventUserLeft, conversationID)
	}
	if h.Logger != nil {
		h.Logger.Info("websocket disconnected", "user_id", conn.UserID, "session_id", conn.ID)
	}
}

func (h *Handler) announce(room string, conn *Connection, event, conversationID string) {
	payload, err := EncodeEvent(event, map[string]string{
		"conversationId": conversationID,
		"userId":         string(conn.UserID),
	})
	if err != nil {
		return
	}
	h.Registry.Broadcast([]string{room}, payload, conn.ID)
}

func (h *Handler) decodeRef(conn *Connection, data json.RawMessage) (conversationRef, bool) {
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil || strings.TrimSpace(ref.ConversationID) == "" {
		h.sendError(conn, "conversationId is required")
		return conversationRef{}, false
	}
	return ref, true
}

func (h *Handler) sendAccessError(conn *Connection, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		h.sendError(conn, "conversation not found")
	case errors.Is(err, chat.ErrForbidden):
		h.sendError(conn, "not a participant")
	case errors.Is(err, chat.ErrInvalidRequest):
		h.sendError(conn, "invalid request")
	default:
		if h.Logger != nil {
			h.Logger.Error("websocket command failed", "user_id", conn.UserID, "error", err)
		}
		h.sendError(conn, "internal error")
	}
}

func (h *Handler) sendError(conn *Connection, message string) {
	_ = conn.SendEvent(EventError, map[string]string{"message": message})
}

func bearerToken(header string) string {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
