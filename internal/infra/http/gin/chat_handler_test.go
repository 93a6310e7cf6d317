package ginserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhive/internal/app/dto"
	"taskhive/internal/app/services/messaging"
	"taskhive/internal/domain/user"
	"taskhive/internal/infra/storage/memory"
)

type stubDirectory struct {
	users map[user.ID]user.PublicSummary
}

func (d stubDirectory) PublicSummary(_ context.Context, id user.ID) (user.PublicSummary, error) {
	summary, ok := d.users[id]
	if !ok {
		return user.PublicSummary{}, user.ErrNotFound
	}
	return summary, nil
}

type stubUploader struct {
	keys []string
}

func (u *stubUploader) Upload(_ context.Context, key string, reader io.Reader, _ string) (string, error) {
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return "", err
	}
	u.keys = append(u.keys, key)
	return "https://cdn.test/" + key, nil
}

type chatHarness struct {
	router   *gin.Engine
	service  *messaging.Service
	uploader *stubUploader
}

// asUser authenticates requests with a fixed principal, standing in for the
// bearer token middleware.
func asUser(id user.ID) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id != "" {
			setPrincipal(c, principal{ID: id})
		}
		c.Next()
	}
}

func newChatHarness(t *testing.T, requester user.ID) *chatHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewChatStore()
	uploader := &stubUploader{}
	service := &messaging.Service{
		Conversations: store,
		Messages:      store.Messages(),
		Directory: stubDirectory{users: map[user.ID]user.PublicSummary{
			"alice": {ID: "alice", DisplayName: "Alice"},
			"bob":   {ID: "bob", DisplayName: "Bob"},
		}},
	}
	handler := ChatHandler{Service: service, Uploader: uploader}

	router := gin.New()
	api := router.Group("/api/v1", asUser(requester))
	api.GET("/conversations", handler.ListConversations)
	api.POST("/conversations", handler.StartConversation)
	api.GET("/conversations/:id", handler.GetConversation)
	api.DELETE("/conversations/:id", handler.ArchiveConversation)
	api.GET("/conversations/:id/messages", handler.ListMessages)
	api.POST("/conversations/:id/messages", handler.SendMessage)
	api.PUT("/conversations/:id/read", handler.MarkConversationRead)
	api.GET("/messages/unread", handler.UnreadCounts)

	return &chatHarness{router: router, service: service, uploader: uploader}
}

func (h *chatHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *chatHarness) startConversation(t *testing.T, participant string) dto.Conversation {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/conversations", gin.H{"participantId": participant})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started dto.StartedConversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.True(t, started.IsNew)
	return started.Conversation
}

func TestRequiresAuthentication(t *testing.T) {
	h := newChatHarness(t, "")

	rec := h.do(t, http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/conversations", gin.H{"participantId": "bob"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartConversationEndpoint(t *testing.T) {
	h := newChatHarness(t, "alice")

	conv := h.startConversation(t, "bob")
	assert.Equal(t, "Bob", conv.Participant.DisplayName)
	assert.True(t, conv.IsActive)

	// The same pair resolves to the existing thread with a 200 and isNew false.
	rec := h.do(t, http.MethodPost, "/api/v1/conversations", gin.H{"participantId": "bob"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var again dto.StartedConversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, conv.ID, again.ID)
	assert.False(t, again.IsNew)

	rec = h.do(t, http.MethodPost, "/api/v1/conversations", gin.H{"participantId": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/conversations", gin.H{"participantId": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/conversations", gin.H{"participantId": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendAndListMessages(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")

	rec := h.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", gin.H{"content": "hello bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var message dto.ChatMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &message))
	assert.Equal(t, "hello bob", message.Content)
	assert.Equal(t, "alice", message.SenderID)

	rec = h.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page dto.ChatMessagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, message.ID, page.Items[0].ID)
	assert.Equal(t, 1, page.Total)

	rec = h.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "blank content rejected")

	rec = h.do(t, http.MethodPost, "/api/v1/conversations/missing/messages", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMessagesRejectsMalformedPagination(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")
	base := "/api/v1/conversations/" + conv.ID + "/messages"

	for _, query := range []string{"?page=0", "?page=abc", "?limit=-1", "?limit=1.5", "?page=2&limit=0"} {
		rec := h.do(t, http.MethodGet, base+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	// Absent parameters still fall back to the defaults.
	rec := h.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageForbiddenForOutsider(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")

	outsider := newChatHarness(t, "carol")
	outsider.service.Conversations = h.service.Conversations
	outsider.service.Messages = h.service.Messages

	rec := outsider.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendMessageMultipart(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("content", "see attached"))
	part, err := form.CreateFormFile("attachments", "photo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a png"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var message dto.ChatMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &message))
	assert.Equal(t, "see attached", message.Content)
	require.Len(t, message.Attachments, 1)
	assert.True(t, strings.HasPrefix(message.Attachments[0], "https://cdn.test/chat/"+conv.ID+"/"))

	require.Len(t, h.uploader.keys, 1)
	assert.True(t, strings.HasSuffix(h.uploader.keys[0], ".png"), "original extension is kept")
}

func TestMarkConversationReadEndpoint(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")
	rec := h.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", gin.H{"content": "ping"})
	require.Equal(t, http.StatusCreated, rec.Code)

	reader := newChatHarness(t, "bob")
	reader.service.Conversations = h.service.Conversations
	reader.service.Messages = h.service.Messages

	rec = reader.do(t, http.MethodPut, "/api/v1/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		MarkedRead int `json:"markedRead"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.MarkedRead)

	rec = reader.do(t, http.MethodGet, "/api/v1/messages/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		TotalUnread     int               `json:"totalUnread"`
		PerConversation []json.RawMessage `json:"perConversation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Zero(t, summary.TotalUnread)
	assert.Empty(t, summary.PerConversation)
}

func TestUnreadSummaryWireShape(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")
	rec := h.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", gin.H{"content": "ping"})
	require.Equal(t, http.StatusCreated, rec.Code)

	reader := newChatHarness(t, "bob")
	reader.service.Conversations = h.service.Conversations
	reader.service.Messages = h.service.Messages

	rec = reader.do(t, http.MethodGet, "/api/v1/messages/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		TotalUnread     int `json:"totalUnread"`
		PerConversation []struct {
			ConversationID string `json:"conversationId"`
			Count          int    `json:"count"`
		} `json:"perConversation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalUnread)
	require.Len(t, summary.PerConversation, 1)
	assert.Equal(t, conv.ID, summary.PerConversation[0].ConversationID)
	assert.Equal(t, 1, summary.PerConversation[0].Count)
}

func TestArchiveConversationEndpoint(t *testing.T) {
	h := newChatHarness(t, "alice")
	conv := h.startConversation(t, "bob")

	rec := h.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Conversations []dto.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed.Conversations)

	// History stays reachable after archiving.
	rec = h.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var archived dto.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &archived))
	assert.False(t, archived.IsActive)

	rec = h.do(t, http.MethodGet, "/api/v1/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
