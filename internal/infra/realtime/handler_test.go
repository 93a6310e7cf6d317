package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

type staticResolver struct {
	tokens map[string]user.ID
}

func (r staticResolver) ResolveUser(_ context.Context, token string) (user.ID, error) {
	id, ok := r.tokens[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return id, nil
}

type fakeChatAccess struct {
	mu         sync.Mutex
	members    map[chat.ConversationID][]user.ID
	markedRead []chat.MessageID
}

func (f *fakeChatAccess) AuthorizeParticipant(_ context.Context, requesterID user.ID, conversationID chat.ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	participants, ok := f.members[conversationID]
	if !ok {
		return chat.ErrNotFound
	}
	for _, p := range participants {
		if p == requesterID {
			return nil
		}
	}
	return chat.ErrForbidden
}

func (f *fakeChatAccess) MarkMessageRead(_ context.Context, _ user.ID, messageID chat.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, messageID)
	return nil
}

func (f *fakeChatAccess) readIDs() []chat.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.MessageID(nil), f.markedRead...)
}

type wsFixture struct {
	registry *Registry
	handler  *Handler
	access   *fakeChatAccess
	server   *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := NewRegistry()
	access := &fakeChatAccess{members: map[chat.ConversationID][]user.ID{
		"conv-1": {"alice", "bob"},
	}}
	handler := NewHandler(registry, staticResolver{tokens: map[string]user.ID{
		"token-alice": "alice",
		"token-bob":   "bob",
	}}, access, nil)

	router := gin.New()
	router.GET("/ws", handler.Serve)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(registry.Close)

	return &wsFixture{registry: registry, handler: handler, access: access, server: server}
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := EncodeEvent(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// waitForRoomSize blocks until the server side has processed enough join
// frames to fill the room. Joins from different sockets land in any order.
func (f *wsFixture) waitForRoomSize(t *testing.T, room string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.registry.snapshot([]string{room}, "")) == size
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinAndBroadcast(t *testing.T) {
	f := newWSFixture(t)

	alice := f.dial(t, "token-alice")
	bob := f.dial(t, "token-bob")

	send(t, alice, "joinConversation", map[string]string{"conversationId": "conv-1"})
	f.waitForRoomSize(t, ConversationRoom("conv-1"), 1)
	send(t, bob, "joinConversation", map[string]string{"conversationId": "conv-1"})

	env := read(t, alice)
	assert.Equal(t, EventUserJoined, env.Event)
	var joined struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "conv-1", joined.ConversationID)
	assert.Equal(t, "bob", joined.UserID)

	payload, err := EncodeEvent(EventNewMessage, map[string]string{"id": "msg-1"})
	require.NoError(t, err)
	delivered := f.registry.Broadcast([]string{ConversationRoom("conv-1")}, payload, "")
	assert.Equal(t, 2, delivered)

	assert.Equal(t, EventNewMessage, read(t, alice).Event)
	assert.Equal(t, EventNewMessage, read(t, bob).Event)
}

func TestNewMessageReachesSendersOtherDevices(t *testing.T) {
	f := newWSFixture(t)

	phone := f.dial(t, "token-alice")
	laptop := f.dial(t, "token-alice")
	bob := f.dial(t, "token-bob")
	f.waitForRoomSize(t, UserRoom("alice"), 2)
	f.waitForRoomSize(t, UserRoom("bob"), 1)

	// Only one of alice's sessions has the thread open.
	send(t, phone, "joinConversation", map[string]string{"conversationId": "conv-1"})
	f.waitForRoomSize(t, ConversationRoom("conv-1"), 1)

	conv, err := chat.NewConversation(chat.CreateConversationParams{ID: "conv-1", UserA: "alice", UserB: "bob"})
	require.NoError(t, err)
	msg, err := chat.NewMessage(chat.CreateMessageParams{
		ID:           "msg-1",
		Conversation: conv,
		SenderID:     "alice",
		Content:      "hi",
		Now:          time.Now(),
	})
	require.NoError(t, err)

	broadcaster := &Broadcaster{Registry: f.registry}
	broadcaster.BroadcastNewMessage(conv, msg)

	assert.Equal(t, EventNewMessage, read(t, phone).Event)
	assert.Equal(t, EventNewMessage, read(t, laptop).Event, "sender's other device syncs via the personal room")
	assert.Equal(t, EventNewMessage, read(t, bob).Event)
}

func TestJoinDeniedForOutsider(t *testing.T) {
	f := newWSFixture(t)

	alice := f.dial(t, "token-alice")
	send(t, alice, "joinConversation", map[string]string{"conversationId": "missing"})

	env := read(t, alice)
	assert.Equal(t, EventError, env.Event)
	var msg struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "conversation not found", msg.Message)
}

func TestTypingExcludesOriginator(t *testing.T) {
	f := newWSFixture(t)

	alice := f.dial(t, "token-alice")
	bob := f.dial(t, "token-bob")

	send(t, alice, "joinConversation", map[string]string{"conversationId": "conv-1"})
	f.waitForRoomSize(t, ConversationRoom("conv-1"), 1)
	send(t, bob, "joinConversation", map[string]string{"conversationId": "conv-1"})
	read(t, alice) // bob's userJoined

	send(t, bob, "typing", map[string]any{"conversationId": "conv-1", "isTyping": true})

	env := read(t, alice)
	assert.Equal(t, EventUserTyping, env.Event)
	var typing struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		IsTyping       bool   `json:"isTyping"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.Equal(t, "bob", typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestTypingRequiresMembership(t *testing.T) {
	f := newWSFixture(t)

	alice := f.dial(t, "token-alice")
	send(t, alice, "typing", map[string]any{"conversationId": "conv-1", "isTyping": true})

	env := read(t, alice)
	assert.Equal(t, EventError, env.Event)
}

func TestMarkAsRead(t *testing.T) {
	f := newWSFixture(t)

	alice := f.dial(t, "token-alice")
	send(t, alice, "markAsRead", map[string]string{"messageId": "msg-1"})

	require.Eventually(t, func() bool {
		return len(f.access.readIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, chat.MessageID("msg-1"), f.access.readIDs()[0])
}

func TestUnknownEvent(t *testing.T) {
	f := newWSFixture(t)

	alice := f.dial(t, "token-alice")
	send(t, alice, "bogus", nil)

	env := read(t, alice)
	assert.Equal(t, EventError, env.Event)
}
