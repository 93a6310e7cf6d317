package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskhive/internal/app/outbox"
	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// Broadcaster fans events out to live connections. Delivery is best-effort:
// implementations never block the request path and never return errors.
type Broadcaster interface {
	BroadcastNewMessage(conversation *chat.Conversation, message *chat.Message)
	BroadcastReadReceipt(messageID chat.MessageID, readerID user.ID, conversationID chat.ConversationID, senderID user.ID)
}

// ConversationCache is a short-TTL read-through cache for conversation
// snapshots. Get must refuse to serve a snapshot to a non-participant.
type ConversationCache interface {
	Get(id chat.ConversationID, requester user.ID) (*chat.Conversation, bool)
	Put(conversation *chat.Conversation)
	Invalidate(id chat.ConversationID)
}

// ConversationView is a conversation enriched for one requester.
type ConversationView struct {
	Conversation *chat.Conversation
	Other        user.PublicSummary
	LastMessage  *chat.Message
	IsUnread     bool
}

// Service orchestrates the conversation/message stores, the cache, the
// realtime broadcaster and the event outbox. It is the only write path into
// chat storage.
type Service struct {
	Conversations chat.ConversationRepository
	Messages      chat.MessageRepository
	Cache         ConversationCache
	Directory     user.Directory
	Broadcast     Broadcaster
	Events        outbox.Store
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// StartConversation returns the active conversation between requester and
// participant, creating it when absent. The second result reports whether a
// new conversation was created.
func (s *Service) StartConversation(ctx context.Context, requesterID, participantID user.ID) (*ConversationView, bool, error) {
	if requesterID == participantID {
		return nil, false, chat.ErrInvalidRequest
	}
	other, err := s.Directory.PublicSummary(ctx, participantID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, false, chat.ErrNotFound
		}
		return nil, false, err
	}
	conversation, created, err := s.Conversations.FindOrCreate(ctx, requesterID, participantID, s.now())
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publish(ctx, chat.ConversationStarted{
			ConversationID: conversation.ID,
			Participants:   []string{string(conversation.Participants[0]), string(conversation.Participants[1])},
			At:             conversation.CreatedAt,
		})
		if s.Logger != nil {
			s.Logger.Info("conversation created", "conversation_id", conversation.ID, "participants", conversation.Participants)
		}
	}
	return &ConversationView{Conversation: conversation, Other: other}, created, nil
}

// Conversation loads a conversation snapshot for a participant, serving from
// the cache when the entry is fresh and belongs to the requester.
func (s *Service) Conversation(ctx context.Context, requesterID user.ID, id chat.ConversationID) (*ConversationView, error) {
	conversation, cached := s.cacheGet(id, requesterID)
	if !cached {
		var err error
		conversation, err = s.Conversations.ByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !conversation.IsParticipant(requesterID) {
			return nil, chat.ErrForbidden
		}
		s.cachePut(conversation)
	}
	view := &ConversationView{Conversation: conversation}
	if otherID, ok := conversation.OtherParticipant(requesterID); ok {
		view.Other = s.lookupSummary(ctx, otherID)
	}
	return view, nil
}

// AuthorizeParticipant checks that the requester belongs to the conversation.
// Realtime room joins gate on it before any events flow.
func (s *Service) AuthorizeParticipant(ctx context.Context, requesterID user.ID, id chat.ConversationID) error {
	if _, cached := s.cacheGet(id, requesterID); cached {
		return nil
	}
	conversation, err := s.Conversations.ByID(ctx, id)
	if err != nil {
		return err
	}
	if !conversation.IsParticipant(requesterID) {
		return chat.ErrForbidden
	}
	s.cachePut(conversation)
	return nil
}

// ListConversations returns the requester's active conversations, newest
// activity first, enriched with the counterpart profile and last message.
func (s *Service) ListConversations(ctx context.Context, requesterID user.ID) ([]ConversationView, error) {
	conversations, err := s.Conversations.ListForUser(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	views := make([]ConversationView, 0, len(conversations))
	for _, conversation := range conversations {
		view := ConversationView{Conversation: conversation}
		if otherID, ok := conversation.OtherParticipant(requesterID); ok {
			view.Other = s.lookupSummary(ctx, otherID)
		}
		if conversation.LastMessageID != "" {
			last, err := s.Messages.ByID(ctx, conversation.LastMessageID)
			if err == nil {
				view.LastMessage = last
				view.IsUnread = last.SenderID != requesterID && !last.ReadByUser(requesterID)
			} else if s.Logger != nil {
				s.Logger.Warn("last message lookup failed", "conversation_id", conversation.ID, "error", err)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// ArchiveConversation soft-deletes a conversation for both participants.
func (s *Service) ArchiveConversation(ctx context.Context, requesterID user.ID, id chat.ConversationID) error {
	conversation, err := s.Conversations.ByID(ctx, id)
	if err != nil {
		return err
	}
	if !conversation.IsParticipant(requesterID) {
		return chat.ErrForbidden
	}
	now := s.now()
	if err := s.Conversations.Archive(ctx, id, now); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(id)
	}
	s.publish(ctx, chat.ConversationArchived{ConversationID: id, ByUserID: requesterID, At: now.UTC()})
	return nil
}

// SendMessage persists a message, bumps the conversation's last-message
// pointer, invalidates the cache entry and fans the message out. The durable
// write always precedes the broadcast.
func (s *Service) SendMessage(ctx context.Context, requesterID user.ID, conversationID chat.ConversationID, content string, attachments []string) (*chat.Message, error) {
	conversation, err := s.Conversations.ByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsParticipant(requesterID) {
		return nil, chat.ErrForbidden
	}
	message, err := chat.NewMessage(chat.CreateMessageParams{
		ID:           chat.MessageID(s.newID()),
		Conversation: conversation,
		SenderID:     requesterID,
		Content:      content,
		Attachments:  attachments,
		Now:          s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.Messages.Append(ctx, message); err != nil {
		return nil, err
	}
	conversation.TouchLastMessage(message.ID, message.CreatedAt)
	if s.Cache != nil {
		s.Cache.Invalidate(conversationID)
	}
	s.publish(ctx, chat.MessageSent{
		MessageID:      message.ID,
		ConversationID: conversationID,
		SenderID:       requesterID,
		HasAttachments: len(message.Attachments) > 0,
		At:             message.CreatedAt,
	})
	if s.Broadcast != nil {
		s.Broadcast.BroadcastNewMessage(conversation, message)
	}
	return message, nil
}

// MessagesPage returns one page of history in ascending order. Fetching a
// page marks the fetched messages read for the requester and notifies the
// original senders, mirroring the behavior of opening a thread.
func (s *Service) MessagesPage(ctx context.Context, requesterID user.ID, conversationID chat.ConversationID, page, pageSize int) (chat.MessagePage, error) {
	if page < 1 || pageSize < 1 {
		return chat.MessagePage{}, chat.ErrInvalidRequest
	}
	conversation, err := s.Conversations.ByID(ctx, conversationID)
	if err != nil {
		return chat.MessagePage{}, err
	}
	if !conversation.IsParticipant(requesterID) {
		return chat.MessagePage{}, chat.ErrForbidden
	}
	result, err := s.Messages.Page(ctx, conversationID, page, pageSize)
	if err != nil {
		return chat.MessagePage{}, err
	}

	unread := make([]chat.MessageID, 0)
	for _, message := range result.Messages {
		if message.SenderID != requesterID && !message.ReadByUser(requesterID) {
			unread = append(unread, message.ID)
		}
	}
	if len(unread) > 0 {
		readAt := s.now()
		transitions, err := s.Messages.MarkRead(ctx, unread, requesterID, readAt)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("mark fetched messages read failed", "conversation_id", conversationID, "error", err)
			}
		} else {
			transitioned := make(map[chat.MessageID]struct{}, len(transitions))
			for _, t := range transitions {
				transitioned[t.MessageID] = struct{}{}
			}
			for _, message := range result.Messages {
				if _, ok := transitioned[message.ID]; ok {
					message.MarkReadBy(requesterID, readAt)
				}
			}
			s.notifyRead(transitions, requesterID, conversationID)
		}
	}
	return result, nil
}

// MarkConversationRead marks every unread message from the other participant
// as read and returns how many messages transitioned.
func (s *Service) MarkConversationRead(ctx context.Context, requesterID user.ID, conversationID chat.ConversationID) (int, error) {
	conversation, err := s.Conversations.ByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conversation.IsParticipant(requesterID) {
		return 0, chat.ErrForbidden
	}
	transitions, err := s.Messages.MarkAllUnread(ctx, conversationID, requesterID, s.now())
	if err != nil {
		return 0, err
	}
	s.notifyRead(transitions, requesterID, conversationID)
	return len(transitions), nil
}

// MarkMessageRead marks one message read on behalf of a realtime client.
// Already-read messages are a silent no-op with no notification.
func (s *Service) MarkMessageRead(ctx context.Context, requesterID user.ID, messageID chat.MessageID) error {
	message, err := s.Messages.ByID(ctx, messageID)
	if err != nil {
		return err
	}
	conversation, err := s.Conversations.ByID(ctx, message.ConversationID)
	if err != nil {
		return err
	}
	if !conversation.IsParticipant(requesterID) {
		return chat.ErrForbidden
	}
	transitions, err := s.Messages.MarkRead(ctx, []chat.MessageID{messageID}, requesterID, s.now())
	if err != nil {
		return err
	}
	s.notifyRead(transitions, requesterID, message.ConversationID)
	return nil
}

// UnreadCounts aggregates unread messages for the requester.
func (s *Service) UnreadCounts(ctx context.Context, requesterID user.ID) (chat.UnreadSummary, error) {
	return s.Messages.UnreadByUser(ctx, requesterID)
}

func (s *Service) notifyRead(transitions []chat.ReadTransition, readerID user.ID, conversationID chat.ConversationID) {
	if s.Broadcast == nil {
		return
	}
	for _, t := range transitions {
		s.Broadcast.BroadcastReadReceipt(t.MessageID, readerID, conversationID, t.SenderID)
	}
}

func (s *Service) lookupSummary(ctx context.Context, id user.ID) user.PublicSummary {
	if s.Directory == nil {
		return user.PublicSummary{ID: id}
	}
	summary, err := s.Directory.PublicSummary(ctx, id)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("profile lookup failed", "user_id", id, "error", err)
		}
		return user.PublicSummary{ID: id}
	}
	return summary
}

func (s *Service) cacheGet(id chat.ConversationID, requester user.ID) (*chat.Conversation, bool) {
	if s.Cache == nil {
		return nil, false
	}
	return s.Cache.Get(id, requester)
}

func (s *Service) cachePut(conversation *chat.Conversation) {
	if s.Cache != nil {
		s.Cache.Put(conversation)
	}
}

func (s *Service) publish(ctx context.Context, ev outbox.DomainEvent) {
	if err := outbox.Publish(ctx, s.Events, ev); err != nil && s.Logger != nil {
		s.Logger.Warn("outbox publish failed", "event", ev.EventName(), "error", err)
	}
}
