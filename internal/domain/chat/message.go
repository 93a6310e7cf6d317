package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"taskhive/internal/domain/user"
)

// MaxContentLength bounds message text in runes.
const MaxContentLength = 5000

type MessageID string

// ReadReceipt records that a user saw a message.
type ReadReceipt struct {
	UserID user.ID
	ReadAt time.Time
}

// Message is immutable once created except for ReadBy, which only grows.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       user.ID
	Content        string
	Attachments    []string
	ReadBy         []ReadReceipt
	CreatedAt      time.Time
}

type CreateMessageParams struct {
	ID           MessageID
	Conversation *Conversation
	SenderID     user.ID
	Content      string
	Attachments  []string
	Now          time.Time
}

// NewMessage validates and builds a message. The sender must belong to the
// conversation and counts as having read their own message immediately.
func NewMessage(params CreateMessageParams) (*Message, error) {
	id := strings.TrimSpace(string(params.ID))
	if id == "" || params.Conversation == nil {
		return nil, ErrInvalidRequest
	}
	sender := user.ID(strings.TrimSpace(string(params.SenderID)))
	if sender == "" {
		return nil, ErrInvalidRequest
	}
	if !params.Conversation.IsParticipant(sender) {
		return nil, ErrForbidden
	}
	content := strings.TrimSpace(params.Content)
	attachments := make([]string, 0, len(params.Attachments))
	for _, a := range params.Attachments {
		if a = strings.TrimSpace(a); a != "" {
			attachments = append(attachments, a)
		}
	}
	if content == "" && len(attachments) == 0 {
		return nil, ErrInvalidRequest
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, ErrInvalidRequest
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return &Message{
		ID:             MessageID(id),
		ConversationID: params.Conversation.ID,
		SenderID:       sender,
		Content:        content,
		Attachments:    attachments,
		ReadBy:         []ReadReceipt{{UserID: sender, ReadAt: now}},
		CreatedAt:      now,
	}, nil
}

// ReadByUser reports whether the user already appears in ReadBy.
func (m *Message) ReadByUser(id user.ID) bool {
	for _, r := range m.ReadBy {
		if r.UserID == id {
			return true
		}
	}
	return false
}

// MarkReadBy appends a receipt unless the reader is the sender or already
// present. Returns true only when the message actually transitioned.
func (m *Message) MarkReadBy(id user.ID, at time.Time) bool {
	if id == m.SenderID || m.ReadByUser(id) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: id, ReadAt: at.UTC()})
	return true
}

// MessagePage is one page of history in ascending creation order.
type MessagePage struct {
	Messages []*Message
	Page     int
	Pages    int
	Total    int
}

// ReadTransition identifies a message that just flipped to read, with the
// original sender to notify.
type ReadTransition struct {
	MessageID MessageID
	SenderID  user.ID
}

// ConversationUnread counts unread messages for one conversation.
type ConversationUnread struct {
	ConversationID ConversationID
	Count          int
}

// UnreadSummary aggregates unread counts per conversation plus a grand total.
type UnreadSummary struct {
	Total           int
	PerConversation []ConversationUnread
}

// MessageRepository owns message persistence. Append also moves the owning
// conversation's last-message pointer inside the same logical operation.
type MessageRepository interface {
	Append(ctx context.Context, msg *Message) error
	// Page returns messages in ascending order; internally the newest
	// pageSize*page window is fetched newest-first and reversed.
	Page(ctx context.Context, id ConversationID, page, pageSize int) (MessagePage, error)
	// ByID loads a single message.
	ByID(ctx context.Context, id MessageID) (*Message, error)
	// MarkRead idempotently appends the reader to each message's ReadBy and
	// returns only the messages that actually transitioned.
	MarkRead(ctx context.Context, ids []MessageID, readerID user.ID, at time.Time) ([]ReadTransition, error)
	// MarkAllUnread is the conversation-scoped batch form of MarkRead.
	MarkAllUnread(ctx context.Context, id ConversationID, readerID user.ID, at time.Time) ([]ReadTransition, error)
	// UnreadByUser aggregates unread counts across all conversations.
	UnreadByUser(ctx context.Context, userID user.ID) (UnreadSummary, error)
}
