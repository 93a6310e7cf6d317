package realtime

import (
	"log/slog"

	"taskhive/internal/app/dto"
	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

const (
	EventNewMessage  = "newMessage"
	EventMessageRead = "messageRead"
	EventUserTyping  = "userTyping"
	EventUserJoined  = "userJoined"
	EventUserLeft    = "userLeft"
	EventError       = "error"
)

// Broadcaster fans chat events out through the registry. Delivery is
// best-effort; a recipient without a live session simply misses the event
// and catches up over REST.
type Broadcaster struct {
	Registry *Registry
	Logger   *slog.Logger
}

// BroadcastNewMessage reaches everyone with the thread open plus every
// session of both participants: the recipient is notified outside the
// conversation room, and the sender's other devices stay in sync. The union
// is deduplicated per connection.
func (b *Broadcaster) BroadcastNewMessage(conversation *chat.Conversation, message *chat.Message) {
	payload, err := EncodeEvent(EventNewMessage, dto.NewChatMessage(message))
	if err != nil {
		b.logError("encode new message event", err)
		return
	}
	rooms := []string{ConversationRoom(conversation.ID), UserRoom(message.SenderID)}
	if other, ok := conversation.OtherParticipant(message.SenderID); ok {
		rooms = append(rooms, UserRoom(other))
	}
	b.Registry.Broadcast(rooms, payload, "")
}

// BroadcastReadReceipt notifies the original sender that their message was
// read, along with anyone watching the thread.
func (b *Broadcaster) BroadcastReadReceipt(messageID chat.MessageID, readerID user.ID, conversationID chat.ConversationID, senderID user.ID) {
	payload, err := EncodeEvent(EventMessageRead, map[string]string{
		"messageId":      string(messageID),
		"conversationId": string(conversationID),
		"readBy":         string(readerID),
	})
	if err != nil {
		b.logError("encode read receipt event", err)
		return
	}
	rooms := []string{ConversationRoom(conversationID), UserRoom(senderID)}
	b.Registry.Broadcast(rooms, payload, "")
}

func (b *Broadcaster) logError(msg string, err error) {
	if b.Logger != nil {
		b.Logger.Error(msg, "error", err)
	}
}
