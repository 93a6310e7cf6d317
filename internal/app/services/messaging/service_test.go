package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
	"taskhive/internal/infra/cache"
	"taskhive/internal/infra/storage/memory"
)

type fakeDirectory struct {
	users map[user.ID]user.PublicSummary
}

func (d fakeDirectory) PublicSummary(_ context.Context, id user.ID) (user.PublicSummary, error) {
	summary, ok := d.users[id]
	if !ok {
		return user.PublicSummary{}, user.ErrNotFound
	}
	return summary, nil
}

type broadcastCall struct {
	event          string
	messageID      chat.MessageID
	readerID       user.ID
	conversationID chat.ConversationID
	senderID       user.ID
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) BroadcastNewMessage(conversation *chat.Conversation, message *chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{
		event:          "newMessage",
		messageID:      message.ID,
		conversationID: conversation.ID,
		senderID:       message.SenderID,
	})
}

func (b *fakeBroadcaster) BroadcastReadReceipt(messageID chat.MessageID, readerID user.ID, conversationID chat.ConversationID, senderID user.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{
		event:          "messageRead",
		messageID:      messageID,
		readerID:       readerID,
		conversationID: conversationID,
		senderID:       senderID,
	})
}

func (b *fakeBroadcaster) byEvent(event string) []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broadcastCall, 0)
	for _, call := range b.calls {
		if call.event == event {
			out = append(out, call)
		}
	}
	return out
}

type fixture struct {
	service   *Service
	store     *memory.ChatStore
	broadcast *fakeBroadcaster
	cache     *cache.Conversations
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewChatStore()
	broadcast := &fakeBroadcaster{}
	conversationCache := cache.NewConversations(10 * time.Minute)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	next := 0
	f := &fixture{
		store:     store,
		broadcast: broadcast,
		cache:     conversationCache,
		clock:     &now,
	}
	f.service = &Service{
		Conversations: store,
		Messages:      store.Messages(),
		Cache:         conversationCache,
		Directory: fakeDirectory{users: map[user.ID]user.PublicSummary{
			"alice": {ID: "alice", DisplayName: "Alice"},
			"bob":   {ID: "bob", DisplayName: "Bob"},
		}},
		Broadcast: broadcast,
		Now:       func() time.Time { return *f.clock },
		NewID: func() string {
			next++
			return fmt.Sprintf("msg-%d", next)
		},
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestStartConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, created, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Bob", view.Other.DisplayName)

	again, created, err := f.service.StartConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, view.Conversation.ID, again.Conversation.ID)
	assert.Equal(t, "Alice", again.Other.DisplayName)

	_, _, err = f.service.StartConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, chat.ErrInvalidRequest)

	_, _, err = f.service.StartConversation(ctx, "alice", "nobody")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSendMessageFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	conversationID := view.Conversation.ID

	f.advance(time.Minute)
	message, err := f.service.SendMessage(ctx, "alice", conversationID, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", message.Content)
	assert.True(t, message.ReadByUser("alice"))

	sent := f.broadcast.byEvent("newMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, message.ID, sent[0].messageID)
	assert.Equal(t, conversationID, sent[0].conversationID)

	// Bob opens the thread: the message flips to read and alice is notified.
	f.advance(time.Minute)
	page, err := f.service.MessagesPage(ctx, "bob", conversationID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].ReadByUser("bob"), "returned page reflects the receipt")

	receipts := f.broadcast.byEvent("messageRead")
	require.Len(t, receipts, 1)
	assert.Equal(t, message.ID, receipts[0].messageID)
	assert.Equal(t, user.ID("bob"), receipts[0].readerID)
	assert.Equal(t, user.ID("alice"), receipts[0].senderID)

	// A second fetch transitions nothing and emits no more receipts.
	_, err = f.service.MessagesPage(ctx, "bob", conversationID, 1, 20)
	require.NoError(t, err)
	assert.Len(t, f.broadcast.byEvent("messageRead"), 1)

	summary, err := f.service.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}

func TestSendMessageForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.service.SendMessage(ctx, "carol", view.Conversation.ID, "hello", nil)
	assert.ErrorIs(t, err, chat.ErrForbidden)
	assert.Empty(t, f.broadcast.byEvent("newMessage"))

	_, err = f.service.SendMessage(ctx, "alice", "missing", "hello", nil)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestConversationCaching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	conversationID := view.Conversation.ID

	_, err = f.service.Conversation(ctx, "alice", conversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.Len())

	// The cached snapshot never leaks to outsiders.
	_, err = f.service.Conversation(ctx, "carol", conversationID)
	assert.ErrorIs(t, err, chat.ErrForbidden)

	// A new message invalidates the snapshot.
	_, err = f.service.SendMessage(ctx, "alice", conversationID, "hi", nil)
	require.NoError(t, err)
	assert.Zero(t, f.cache.Len())

	refreshed, err := f.service.Conversation(ctx, "bob", conversationID)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.Conversation.LastMessageID)
	assert.Equal(t, 1, f.cache.Len())
}

func TestArchiveConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	conversationID := view.Conversation.ID

	_, err = f.service.Conversation(ctx, "alice", conversationID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.service.ArchiveConversation(ctx, "carol", conversationID), chat.ErrForbidden)

	require.NoError(t, f.service.ArchiveConversation(ctx, "bob", conversationID))
	assert.Zero(t, f.cache.Len(), "archive invalidates the cached snapshot")

	listed, err := f.service.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, listed)

	// History stays readable after archiving.
	archived, err := f.service.Conversation(ctx, "alice", conversationID)
	require.NoError(t, err)
	assert.False(t, archived.Conversation.IsActive)
}

func TestMarkConversationRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	conversationID := view.Conversation.ID

	for i := 0; i < 3; i++ {
		f.advance(time.Minute)
		_, err = f.service.SendMessage(ctx, "alice", conversationID, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	count, err := f.service.MarkConversationRead(ctx, "bob", conversationID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Len(t, f.broadcast.byEvent("messageRead"), 3)

	count, err = f.service.MarkConversationRead(ctx, "bob", conversationID)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.service.MarkConversationRead(ctx, "carol", conversationID)
	assert.ErrorIs(t, err, chat.ErrForbidden)
}

func TestListConversationsEnrichment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	f.advance(time.Minute)
	message, err := f.service.SendMessage(ctx, "bob", view.Conversation.ID, "ping", nil)
	require.NoError(t, err)

	listed, err := f.service.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Bob", listed[0].Other.DisplayName)
	require.NotNil(t, listed[0].LastMessage)
	assert.Equal(t, message.ID, listed[0].LastMessage.ID)
	assert.True(t, listed[0].IsUnread)

	// After bob's own view the flag only clears for bob, not alice.
	fromBob, err := f.service.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, fromBob, 1)
	assert.False(t, fromBob[0].IsUnread, "own message is never unread")
}

func TestAuthorizeParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, _, err := f.service.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	assert.NoError(t, f.service.AuthorizeParticipant(ctx, "alice", view.Conversation.ID))
	assert.ErrorIs(t, f.service.AuthorizeParticipant(ctx, "carol", view.Conversation.ID), chat.ErrForbidden)
	assert.ErrorIs(t, f.service.AuthorizeParticipant(ctx, "alice", "missing"), chat.ErrNotFound)
}
