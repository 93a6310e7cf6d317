package ginserver

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taskhive/internal/app/dto"
	"taskhive/internal/app/services/messaging"
	"taskhive/internal/domain/chat"
	domainuser "taskhive/internal/domain/user"
	"taskhive/internal/infra/storage/s3"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxAttachments  = 5
)

// ChatHTTP exposes the conversation and message endpoints.
type ChatHTTP interface {
	ListConversations(c *gin.Context)
	StartConversation(c *gin.Context)
	GetConversation(c *gin.Context)
	ArchiveConversation(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkConversationRead(c *gin.Context)
	UnreadCounts(c *gin.Context)
}

type ChatHandler struct {
	Service  *messaging.Service
	Uploader s3.Uploader
	Logger   *slog.Logger
}

// ListConversations returns the requester's active threads, newest first.
func (h ChatHandler) ListConversations(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	views, err := h.Service.ListConversations(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondChatError(c, err, "list conversations", "user_id", principal.ID)
		return
	}
	items := make([]dto.Conversation, 0, len(views))
	for i := range views {
		items = append(items, dto.NewConversation(&views[i]))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": items})
}

// StartConversation finds or creates the thread with another user. A fresh
// thread answers 201, an existing one 200.
func (h ChatHandler) StartConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId is required"})
		return
	}
	view, created, err := h.Service.StartConversation(c.Request.Context(), principal.ID, domainuser.ID(req.ParticipantID))
	if err != nil {
		h.respondChatError(c, err, "start conversation", "user_id", principal.ID, "participant_id", req.ParticipantID)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, dto.NewStartedConversation(view, created))
}

// GetConversation loads one thread the requester participates in.
func (h ChatHandler) GetConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	view, err := h.Service.Conversation(c.Request.Context(), principal.ID, id)
	if err != nil {
		h.respondChatError(c, err, "load conversation", "conversation_id", id, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, dto.NewConversation(view))
}

// ArchiveConversation soft-deletes the thread for both participants.
func (h ChatHandler) ArchiveConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	if err := h.Service.ArchiveConversation(c.Request.Context(), principal.ID, id); err != nil {
		h.respondChatError(c, err, "archive conversation", "conversation_id", id, "user_id", principal.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages returns one page of history. Fetching a page marks the fetched
// messages as read for the requester.
func (h ChatHandler) ListMessages(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	page, err := parsePositiveInt(c.Query("page"), 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
		return
	}
	pageSize, err := parsePositiveInt(c.Query("limit"), defaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	result, err := h.Service.MessagesPage(c.Request.Context(), principal.ID, id, page, pageSize)
	if err != nil {
		h.respondChatError(c, err, "list messages", "conversation_id", id, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, dto.NewChatMessagePage(result))
}

// SendMessage posts a message. JSON bodies carry text and attachment URLs;
// multipart bodies carry files that are uploaded first.
func (h ChatHandler) SendMessage(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	content, attachments, ok := h.parseSendRequest(c, id)
	if !ok {
		return
	}
	message, err := h.Service.SendMessage(c.Request.Context(), principal.ID, id, content, attachments)
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", id, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusCreated, dto.NewChatMessage(message))
}

// MarkConversationRead marks everything from the other participant as read.
func (h ChatHandler) MarkConversationRead(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	id, ok := conversationParam(c)
	if !ok {
		return
	}
	count, err := h.Service.MarkConversationRead(c.Request.Context(), principal.ID, id)
	if err != nil {
		h.respondChatError(c, err, "mark conversation read", "conversation_id", id, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markedRead": count})
}

// UnreadCounts aggregates unread messages across the requester's threads.
func (h ChatHandler) UnreadCounts(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	summary, err := h.Service.UnreadCounts(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondChatError(c, err, "unread counts", "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, dto.NewUnreadSummary(summary))
}

func (h ChatHandler) parseSendRequest(c *gin.Context, id chat.ConversationID) (string, []string, bool) {
	contentType := c.GetHeader("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart payload"})
			return "", nil, false
		}
		files := form.File["attachments"]
		if len(files) > maxAttachments {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d attachments", maxAttachments)})
			return "", nil, false
		}
		urls, err := h.uploadAttachments(c, id, files)
		if err != nil {
			switch {
			case errors.Is(err, s3.ErrAttachmentBlocked):
				c.JSON(http.StatusBadRequest, gin.H{"error": "attachment type not allowed"})
			case errors.Is(err, s3.ErrAttachmentTooLarge):
				c.JSON(http.StatusBadRequest, gin.H{"error": "attachment too large"})
			default:
				if h.Logger != nil {
					h.Logger.Error("attachment upload failed", "conversation_id", id, "error", err)
				}
				c.JSON(http.StatusBadGateway, gin.H{"error": "attachment upload failed"})
			}
			return "", nil, false
		}
		return c.PostForm("content"), urls, true
	}

	var req struct {
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return "", nil, false
	}
	return req.Content, req.Attachments, true
}

func (h ChatHandler) uploadAttachments(c *gin.Context, id chat.ConversationID, files []*multipart.FileHeader) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if h.Uploader == nil {
		return nil, errors.New("uploader not configured")
	}
	urls := make([]string, 0, len(files))
	for _, header := range files {
		file, err := header.Open()
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("chat/%s/%s%s", id, uuid.NewString(), filepath.Ext(header.Filename))
		url, err := h.Uploader.Upload(c.Request.Context(), key, file, header.Header.Get("Content-Type"))
		file.Close()
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
	case errors.Is(err, chat.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, chat.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
	case errors.Is(err, chat.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	default:
		if h.Logger != nil {
			h.Logger.Error("chat operation failed", append([]any{"action", action, "error", err}, attrs...)...)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func conversationParam(c *gin.Context) (chat.ConversationID, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return "", false
	}
	return chat.ConversationID(id), true
}

// parsePositiveInt applies def for an absent parameter but rejects anything
// present that is not a positive integer.
func parsePositiveInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, fmt.Errorf("not a positive integer: %q", raw)
	}
	return value, nil
}

var _ ChatHTTP = (*ChatHandler)(nil)
