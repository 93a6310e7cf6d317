package chat

import (
	"time"

	"taskhive/internal/domain/user"
)

// Domain events exported through the outbox for downstream consumers
// (notification pipeline, analytics). They never drive real-time delivery.

type ConversationStarted struct {
	ConversationID ConversationID `json:"conversation_id"`
	Participants   []string       `json:"participants"`
	At             time.Time      `json:"at"`
}

func (e ConversationStarted) EventName() string     { return "chat.conversation.started" }
func (e ConversationStarted) AggregateID() string   { return string(e.ConversationID) }
func (e ConversationStarted) OccurredAt() time.Time { return e.At }

type ConversationArchived struct {
	ConversationID ConversationID `json:"conversation_id"`
	ByUserID       user.ID        `json:"by_user_id"`
	At             time.Time      `json:"at"`
}

func (e ConversationArchived) EventName() string     { return "chat.conversation.archived" }
func (e ConversationArchived) AggregateID() string   { return string(e.ConversationID) }
func (e ConversationArchived) OccurredAt() time.Time { return e.At }

type MessageSent struct {
	MessageID      MessageID      `json:"message_id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       user.ID        `json:"sender_id"`
	HasAttachments bool           `json:"has_attachments"`
	At             time.Time      `json:"at"`
}

func (e MessageSent) EventName() string     { return "chat.message.sent" }
func (e MessageSent) AggregateID() string   { return string(e.ConversationID) }
func (e MessageSent) OccurredAt() time.Time { return e.At }
