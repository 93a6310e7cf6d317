package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	"taskhive/internal/domain/user"
)

type ConversationID string

// Conversation is a durable two-party messaging thread. Participants are
// fixed at creation; only the last-message pointer and the active flag
// change afterwards.
type Conversation struct {
	ID            ConversationID
	Participants  [2]user.ID
	LastMessageID MessageID
	LastMessageAt time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CreateConversationParams struct {
	ID    ConversationID
	UserA user.ID
	UserB user.ID
	Now   time.Time
}

func NewConversation(params CreateConversationParams) (*Conversation, error) {
	id := strings.TrimSpace(string(params.ID))
	a := strings.TrimSpace(string(params.UserA))
	b := strings.TrimSpace(string(params.UserB))
	if id == "" || a == "" || b == "" {
		return nil, ErrInvalidRequest
	}
	if a == b {
		return nil, ErrInvalidRequest
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return &Conversation{
		ID:           ConversationID(id),
		Participants: [2]user.ID{user.ID(a), user.ID(b)},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (c *Conversation) IsParticipant(id user.ID) bool {
	return c.Participants[0] == id || c.Participants[1] == id
}

// OtherParticipant returns the counterpart of the given participant.
func (c *Conversation) OtherParticipant(id user.ID) (user.ID, bool) {
	switch id {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	default:
		return "", false
	}
}

// TouchLastMessage moves the last-message pointer forward and bumps UpdatedAt.
func (c *Conversation) TouchLastMessage(messageID MessageID, at time.Time) {
	c.LastMessageID = messageID
	at = at.UTC()
	c.LastMessageAt = at
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}

// Archive soft-deletes the conversation. History stays queryable for prior
// participants; the thread disappears from listings.
func (c *Conversation) Archive(at time.Time) {
	c.IsActive = false
	c.UpdatedAt = at.UTC()
}

// PairKey builds the canonical identity of an unordered participant pair.
// Storage backends enforce uniqueness of active conversations on this key.
func PairKey(a, b user.ID) string {
	ids := []string{strings.TrimSpace(string(a)), strings.TrimSpace(string(b))}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// ConversationRepository owns conversation persistence.
type ConversationRepository interface {
	// FindOrCreate returns the active conversation for the unordered pair,
	// creating it when absent. The second result reports whether a new
	// conversation was created. Concurrent calls for the same pair must
	// settle on a single conversation.
	FindOrCreate(ctx context.Context, userA, userB user.ID, now time.Time) (*Conversation, bool, error)
	// ByID loads a conversation regardless of its active flag.
	ByID(ctx context.Context, id ConversationID) (*Conversation, error)
	// ListForUser returns active conversations with the user as participant,
	// most recently updated first.
	ListForUser(ctx context.Context, userID user.ID) ([]*Conversation, error)
	// SetLastMessage updates the last-message pointer and UpdatedAt.
	SetLastMessage(ctx context.Context, id ConversationID, messageID MessageID, at time.Time) error
	// Archive flips IsActive off.
	Archive(ctx context.Context, id ConversationID, at time.Time) error
}
