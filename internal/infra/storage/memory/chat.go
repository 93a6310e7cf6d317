package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// ChatStore keeps conversations and messages in memory behind one mutex, so
// the append/last-message coupling and the pair-uniqueness check are atomic
// the same way the Mongo implementation makes them with an index and a
// transaction. Used for tests and broker-less local runs.
type ChatStore struct {
	mu            sync.RWMutex
	conversations map[chat.ConversationID]*chat.Conversation
	activePairs   map[string]chat.ConversationID
	messages      map[chat.MessageID]*chat.Message
	byConv        map[chat.ConversationID][]chat.MessageID
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		conversations: make(map[chat.ConversationID]*chat.Conversation),
		activePairs:   make(map[string]chat.ConversationID),
		messages:      make(map[chat.MessageID]*chat.Message),
		byConv:        make(map[chat.ConversationID][]chat.MessageID),
	}
}

func (s *ChatStore) FindOrCreate(ctx context.Context, userA, userB user.ID, now time.Time) (*chat.Conversation, bool, error) {
	a := strings.TrimSpace(string(userA))
	b := strings.TrimSpace(string(userB))
	if a == "" || b == "" || a == b {
		return nil, false, chat.ErrInvalidRequest
	}
	key := chat.PairKey(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.activePairs[key]; ok {
		if existing, ok := s.conversations[id]; ok && existing.IsActive {
			return cloneConversation(existing), false, nil
		}
	}
	conversation, err := chat.NewConversation(chat.CreateConversationParams{
		ID:    chat.ConversationID(uuid.NewString()),
		UserA: userA,
		UserB: userB,
		Now:   now,
	})
	if err != nil {
		return nil, false, err
	}
	s.conversations[conversation.ID] = conversation
	s.activePairs[key] = conversation.ID
	return cloneConversation(conversation), true, nil
}

func (s *ChatStore) ByID(ctx context.Context, id chat.ConversationID) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return cloneConversation(conversation), nil
}

func (s *ChatStore) ListForUser(ctx context.Context, userID user.ID) ([]*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*chat.Conversation, 0)
	for _, conversation := range s.conversations {
		if conversation.IsActive && conversation.IsParticipant(userID) {
			result = append(result, cloneConversation(conversation))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *ChatStore) SetLastMessage(ctx context.Context, id chat.ConversationID, messageID chat.MessageID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLastMessageLocked(id, messageID, at)
}

func (s *ChatStore) setLastMessageLocked(id chat.ConversationID, messageID chat.MessageID, at time.Time) error {
	conversation, ok := s.conversations[id]
	if !ok {
		return chat.ErrNotFound
	}
	conversation.TouchLastMessage(messageID, at)
	return nil
}

func (s *ChatStore) Archive(ctx context.Context, id chat.ConversationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return chat.ErrNotFound
	}
	conversation.Archive(at)
	key := chat.PairKey(conversation.Participants[0], conversation.Participants[1])
	if s.activePairs[key] == id {
		delete(s.activePairs, key)
	}
	return nil
}

// Append stores the message and moves the conversation's last-message
// pointer in the same critical section.
func (s *ChatStore) Append(ctx context.Context, msg *chat.Message) error {
	if msg == nil {
		return chat.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[msg.ConversationID]
	if !ok {
		return chat.ErrNotFound
	}
	if !conversation.IsParticipant(msg.SenderID) {
		return chat.ErrForbidden
	}
	if _, exists := s.messages[msg.ID]; exists {
		return chat.ErrConflict
	}
	s.messages[msg.ID] = cloneMessage(msg)
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return s.setLastMessageLocked(msg.ConversationID, msg.ID, msg.CreatedAt)
}

func (s *ChatStore) Page(ctx context.Context, id chat.ConversationID, page, pageSize int) (chat.MessagePage, error) {
	if page < 1 || pageSize < 1 {
		return chat.MessagePage{}, chat.ErrInvalidRequest
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[id]; !ok {
		return chat.MessagePage{}, chat.ErrNotFound
	}
	ordered := make([]*chat.Message, 0, len(s.byConv[id]))
	for _, messageID := range s.byConv[id] {
		ordered = append(ordered, s.messages[messageID])
	}
	// Newest first for windowing, ties broken by id.
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	total := len(ordered)
	pages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	window := ordered[start:end]

	ascending := make([]*chat.Message, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		ascending = append(ascending, cloneMessage(window[i]))
	}
	return chat.MessagePage{Messages: ascending, Page: page, Pages: pages, Total: total}, nil
}

func (s *ChatStore) messageByID(ctx context.Context, id chat.MessageID) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *ChatStore) MarkRead(ctx context.Context, ids []chat.MessageID, readerID user.ID, at time.Time) ([]chat.ReadTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	transitions := make([]chat.ReadTransition, 0, len(ids))
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok {
			continue
		}
		if msg.MarkReadBy(readerID, at) {
			transitions = append(transitions, chat.ReadTransition{MessageID: msg.ID, SenderID: msg.SenderID})
		}
	}
	return transitions, nil
}

func (s *ChatStore) MarkAllUnread(ctx context.Context, id chat.ConversationID, readerID user.ID, at time.Time) ([]chat.ReadTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return nil, chat.ErrNotFound
	}
	transitions := make([]chat.ReadTransition, 0)
	for _, messageID := range s.byConv[id] {
		msg := s.messages[messageID]
		if msg.MarkReadBy(readerID, at) {
			transitions = append(transitions, chat.ReadTransition{MessageID: msg.ID, SenderID: msg.SenderID})
		}
	}
	return transitions, nil
}

func (s *ChatStore) UnreadByUser(ctx context.Context, userID user.ID) (chat.UnreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary := chat.UnreadSummary{PerConversation: make([]chat.ConversationUnread, 0)}
	for id, conversation := range s.conversations {
		if !conversation.IsParticipant(userID) {
			continue
		}
		count := 0
		for _, messageID := range s.byConv[id] {
			msg := s.messages[messageID]
			if msg.SenderID != userID && !msg.ReadByUser(userID) {
				count++
			}
		}
		if count > 0 {
			summary.PerConversation = append(summary.PerConversation, chat.ConversationUnread{ConversationID: id, Count: count})
			summary.Total += count
		}
	}
	sort.Slice(summary.PerConversation, func(i, j int) bool {
		return summary.PerConversation[i].ConversationID < summary.PerConversation[j].ConversationID
	})
	return summary, nil
}

func cloneConversation(c *chat.Conversation) *chat.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

func cloneMessage(m *chat.Message) *chat.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = append([]string(nil), m.Attachments...)
	out.ReadBy = append([]chat.ReadReceipt(nil), m.ReadBy...)
	return &out
}

// Messages exposes the message side of the store. Both sides share the same
// mutex, which is what keeps Append and the last-message pointer atomic.
func (s *ChatStore) Messages() chat.MessageRepository {
	return messageStore{s}
}

type messageStore struct {
	*ChatStore
}

// ByID shadows the conversation lookup promoted from ChatStore.
func (m messageStore) ByID(ctx context.Context, id chat.MessageID) (*chat.Message, error) {
	return m.messageByID(ctx, id)
}

var (
	_ chat.ConversationRepository = (*ChatStore)(nil)
	_ chat.MessageRepository      = messageStore{}
)
