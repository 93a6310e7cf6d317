package dto

import (
	"time"

	"taskhive/internal/app/services/messaging"
	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// Conversation is the wire shape of a chat thread, enriched for the
// requesting participant.
type Conversation struct {
	ID            string             `json:"id"`
	Participants  []string           `json:"participants"`
	Participant   user.PublicSummary `json:"participant"`
	LastMessage   *ChatMessage       `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time         `json:"lastMessageAt,omitempty"`
	IsUnread      bool               `json:"isUnread"`
	IsActive      bool               `json:"isActive"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Attachments    []string      `json:"attachments"`
	ReadBy         []ReadReceipt `json:"readBy"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// ReadReceipt marks one reader of a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// ChatMessagePage is one page of history in ascending order.
type ChatMessagePage struct {
	Items []ChatMessage `json:"messages"`
	Page  int           `json:"page"`
	Pages int           `json:"pages"`
	Total int           `json:"total"`
}

// StartedConversation is the find-or-create response; isNew reports whether
// this request created the thread.
type StartedConversation struct {
	Conversation
	IsNew bool `json:"isNew"`
}

func NewStartedConversation(view *messaging.ConversationView, isNew bool) StartedConversation {
	return StartedConversation{Conversation: NewConversation(view), IsNew: isNew}
}

// UnreadConversation counts unread messages in one conversation.
type UnreadConversation struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

// UnreadSummary aggregates unread counts for the requester.
type UnreadSummary struct {
	TotalUnread     int                  `json:"totalUnread"`
	PerConversation []UnreadConversation `json:"perConversation"`
}

func NewChatMessage(m *chat.Message) ChatMessage {
	readBy := make([]ReadReceipt, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		readBy = append(readBy, ReadReceipt{UserID: string(r.UserID), ReadAt: r.ReadAt})
	}
	return ChatMessage{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		SenderID:       string(m.SenderID),
		Content:        m.Content,
		Attachments:    append([]string{}, m.Attachments...),
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
	}
}

func NewConversation(view *messaging.ConversationView) Conversation {
	conv := view.Conversation
	out := Conversation{
		ID:           string(conv.ID),
		Participants: []string{string(conv.Participants[0]), string(conv.Participants[1])},
		Participant:  view.Other,
		IsUnread:     view.IsUnread,
		IsActive:     conv.IsActive,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
	if view.LastMessage != nil {
		msg := NewChatMessage(view.LastMessage)
		out.LastMessage = &msg
	}
	if conv.LastMessageID != "" {
		at := conv.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

func NewChatMessagePage(page chat.MessagePage) ChatMessagePage {
	items := make([]ChatMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		items = append(items, NewChatMessage(m))
	}
	return ChatMessagePage{Items: items, Page: page.Page, Pages: page.Pages, Total: page.Total}
}

func NewUnreadSummary(summary chat.UnreadSummary) UnreadSummary {
	conversations := make([]UnreadConversation, 0, len(summary.PerConversation))
	for _, c := range summary.PerConversation {
		conversations = append(conversations, UnreadConversation{
			ConversationID: string(c.ConversationID),
			Count:          c.Count,
		})
	}
	return UnreadSummary{TotalUnread: summary.Total, PerConversation: conversations}
}
