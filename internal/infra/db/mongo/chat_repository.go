package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// ChatRepository persists conversations and messages. Uniqueness of active
// conversations per participant pair is enforced with a partial unique index
// on participants_key, so concurrent FindOrCreate calls settle on one
// document.
type ChatRepository struct {
	db            *mongo.Database
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewChatRepository(db *mongo.Database) *ChatRepository {
	conversations := db.Collection("chat_conversations")
	messages := db.Collection("chat_messages")

	pairIdx := mongo.IndexModel{
		Keys: bson.D{{Key: "participants_key", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"is_active": true}),
	}
	listIdx := mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}},
	}
	_, _ = conversations.Indexes().CreateMany(context.Background(), []mongo.IndexModel{pairIdx, listIdx})

	pageIdx := mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
	}
	_, _ = messages.Indexes().CreateOne(context.Background(), pageIdx)

	return &ChatRepository{db: db, conversations: conversations, messages: messages}
}

func (r *ChatRepository) FindOrCreate(ctx context.Context, userA, userB user.ID, now time.Time) (*chat.Conversation, bool, error) {
	conversation, err := chat.NewConversation(chat.CreateConversationParams{
		ID:    chat.ConversationID(uuid.NewString()),
		UserA: userA,
		UserB: userB,
		Now:   now,
	})
	if err != nil {
		return nil, false, err
	}
	key := chat.PairKey(userA, userB)

	existing, err := r.activeByKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, false, err
	}

	if _, err := r.conversations.InsertOne(ctx, newConversationDocument(conversation)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the race; the winner's document is the conversation.
			winner, ferr := r.activeByKey(ctx, key)
			if ferr != nil {
				return nil, false, ferr
			}
			return winner, false, nil
		}
		return nil, false, err
	}
	return conversation, true, nil
}

func (r *ChatRepository) activeByKey(ctx context.Context, key string) (*chat.Conversation, error) {
	var doc conversationDocument
	err := r.conversations.FindOne(ctx, bson.M{"participants_key": key, "is_active": true}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

func (r *ChatRepository) ByID(ctx context.Context, id chat.ConversationID) (*chat.Conversation, error) {
	var doc conversationDocument
	err := r.conversations.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

func (r *ChatRepository) ListForUser(ctx context.Context, userID user.ID) ([]*chat.Conversation, error) {
	filter := bson.M{"participants": string(userID), "is_active": true}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := r.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	result := make([]*chat.Conversation, 0)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, doc.toAggregate())
	}
	return result, cursor.Err()
}

func (r *ChatRepository) SetLastMessage(ctx context.Context, id chat.ConversationID, messageID chat.MessageID, at time.Time) error {
	res, err := r.conversations.UpdateByID(ctx, string(id), lastMessageUpdate(messageID, at))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// lastMessageUpdate is the single shape of the last-message pointer move,
// shared by SetLastMessage and the append transaction.
func lastMessageUpdate(messageID chat.MessageID, at time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"last_message_id": string(messageID),
		"last_message_at": at.UTC().UnixMilli(),
		"updated_at":      at.UTC().UnixMilli(),
	}}
}

func (r *ChatRepository) Archive(ctx context.Context, id chat.ConversationID, at time.Time) error {
	update := bson.M{"$set": bson.M{"is_active": false, "updated_at": at.UTC().UnixMilli()}}
	res, err := r.conversations.UpdateByID(ctx, string(id), update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// Messages exposes the message side of the repository.
func (r *ChatRepository) Messages() chat.MessageRepository {
	return chatMessages{r}
}

type chatMessages struct {
	*ChatRepository
}

// Append inserts the message and moves the conversation's last-message
// pointer in one transaction.
func (m chatMessages) Append(ctx context.Context, msg *chat.Message) error {
	if msg == nil {
		return chat.ErrInvalidRequest
	}
	session, err := m.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		var conv conversationDocument
		if err := m.conversations.FindOne(sc, bson.M{"_id": string(msg.ConversationID)}).Decode(&conv); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, chat.ErrNotFound
			}
			return nil, err
		}
		if _, err := m.messages.InsertOne(sc, newMessageDocument(msg)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, chat.ErrConflict
			}
			return nil, err
		}
		if _, err := m.conversations.UpdateByID(sc, string(msg.ConversationID), lastMessageUpdate(msg.ID, msg.CreatedAt)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (m chatMessages) Page(ctx context.Context, id chat.ConversationID, page, pageSize int) (chat.MessagePage, error) {
	if page < 1 || pageSize < 1 {
		return chat.MessagePage{}, chat.ErrInvalidRequest
	}
	filter := bson.M{"conversation_id": string(id)}
	total, err := m.messages.CountDocuments(ctx, filter)
	if err != nil {
		return chat.MessagePage{}, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64((page - 1) * pageSize)).
		SetLimit(int64(pageSize))
	cursor, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return chat.MessagePage{}, err
	}
	defer cursor.Close(ctx)

	newestFirst := make([]*chat.Message, 0, pageSize)
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return chat.MessagePage{}, err
		}
		newestFirst = append(newestFirst, doc.toAggregate())
	}
	if err := cursor.Err(); err != nil {
		return chat.MessagePage{}, err
	}

	ascending := make([]*chat.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		ascending = append(ascending, newestFirst[i])
	}
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return chat.MessagePage{Messages: ascending, Page: page, Pages: pages, Total: int(total)}, nil
}

func (m chatMessages) ByID(ctx context.Context, id chat.MessageID) (*chat.Message, error) {
	var doc messageDocument
	err := m.messages.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

// MarkRead pushes a receipt onto each message the reader has not read yet.
// One FindOneAndUpdate per message keeps the transition report exact even
// under concurrent readers.
func (m chatMessages) MarkRead(ctx context.Context, ids []chat.MessageID, readerID user.ID, at time.Time) ([]chat.ReadTransition, error) {
	transitions := make([]chat.ReadTransition, 0, len(ids))
	receipt := bson.M{"user_id": string(readerID), "read_at": at.UTC().UnixMilli()}
	for _, id := range ids {
		filter := bson.M{
			"_id":             string(id),
			"sender_id":       bson.M{"$ne": string(readerID)},
			"read_by.user_id": bson.M{"$ne": string(readerID)},
		}
		update := bson.M{"$push": bson.M{"read_by": receipt}}
		var doc messageDocument
		err := m.messages.FindOneAndUpdate(ctx, filter, update).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return nil, err
		}
		transitions = append(transitions, chat.ReadTransition{
			MessageID: chat.MessageID(doc.ID),
			SenderID:  user.ID(doc.SenderID),
		})
	}
	return transitions, nil
}

func (m chatMessages) MarkAllUnread(ctx context.Context, id chat.ConversationID, readerID user.ID, at time.Time) ([]chat.ReadTransition, error) {
	if _, err := m.ChatRepository.ByID(ctx, id); err != nil {
		return nil, err
	}
	filter := bson.M{
		"conversation_id": string(id),
		"sender_id":       bson.M{"$ne": string(readerID)},
		"read_by.user_id": bson.M{"$ne": string(readerID)},
	}
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	unread := make([]chat.MessageID, 0)
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		unread = append(unread, chat.MessageID(doc.ID))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return m.MarkRead(ctx, unread, readerID, at)
}

func (m chatMessages) UnreadByUser(ctx context.Context, userID user.ID) (chat.UnreadSummary, error) {
	ids, err := m.conversationIDsForUser(ctx, userID)
	if err != nil {
		return chat.UnreadSummary{}, err
	}
	summary := chat.UnreadSummary{PerConversation: make([]chat.ConversationUnread, 0)}
	if len(ids) == 0 {
		return summary, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"conversation_id": bson.M{"$in": ids},
			"sender_id":       bson.M{"$ne": string(userID)},
			"read_by.user_id": bson.M{"$ne": string(userID)},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$conversation_id", "count": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := m.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return chat.UnreadSummary{}, err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return chat.UnreadSummary{}, err
		}
		summary.PerConversation = append(summary.PerConversation, chat.ConversationUnread{
			ConversationID: chat.ConversationID(row.ID),
			Count:          row.Count,
		})
		summary.Total += row.Count
	}
	return summary, cursor.Err()
}

func (m chatMessages) conversationIDsForUser(ctx context.Context, userID user.ID) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := m.conversations.Find(ctx, bson.M{"participants": string(userID)}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	ids := make([]string, 0)
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

type conversationDocument struct {
	ID              string   `bson:"_id"`
	Participants    []string `bson:"participants"`
	ParticipantsKey string   `bson:"participants_key"`
	LastMessageID   string   `bson:"last_message_id"`
	LastMessageAt   int64    `bson:"last_message_at"`
	IsActive        bool     `bson:"is_active"`
	CreatedAt       int64    `bson:"created_at"`
	UpdatedAt       int64    `bson:"updated_at"`
}

func newConversationDocument(c *chat.Conversation) conversationDocument {
	return conversationDocument{
		ID:              string(c.ID),
		Participants:    []string{string(c.Participants[0]), string(c.Participants[1])},
		ParticipantsKey: chat.PairKey(c.Participants[0], c.Participants[1]),
		LastMessageID:   string(c.LastMessageID),
		LastMessageAt:   c.LastMessageAt.UnixMilli(),
		IsActive:        c.IsActive,
		CreatedAt:       c.CreatedAt.UnixMilli(),
		UpdatedAt:       c.UpdatedAt.UnixMilli(),
	}
}

func (d conversationDocument) toAggregate() *chat.Conversation {
	conv := &chat.Conversation{
		ID:            chat.ConversationID(d.ID),
		LastMessageID: chat.MessageID(d.LastMessageID),
		IsActive:      d.IsActive,
		CreatedAt:     timestampToTime(d.CreatedAt),
		UpdatedAt:     timestampToTime(d.UpdatedAt),
	}
	if d.LastMessageID != "" {
		conv.LastMessageAt = timestampToTime(d.LastMessageAt)
	}
	for i, p := range d.Participants {
		if i < 2 {
			conv.Participants[i] = user.ID(p)
		}
	}
	return conv
}

type messageDocument struct {
	ID             string                `bson:"_id"`
	ConversationID string                `bson:"conversation_id"`
	SenderID       string                `bson:"sender_id"`
	Content        string                `bson:"content"`
	Attachments    []string              `bson:"attachments"`
	ReadBy         []readReceiptDocument `bson:"read_by"`
	CreatedAt      int64                 `bson:"created_at"`
}

type readReceiptDocument struct {
	UserID string `bson:"user_id"`
	ReadAt int64  `bson:"read_at"`
}

func newMessageDocument(m *chat.Message) messageDocument {
	readBy := make([]readReceiptDocument, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		readBy = append(readBy, readReceiptDocument{UserID: string(r.UserID), ReadAt: r.ReadAt.UnixMilli()})
	}
	return messageDocument{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		SenderID:       string(m.SenderID),
		Content:        m.Content,
		Attachments:    append([]string(nil), m.Attachments...),
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}

func (d messageDocument) toAggregate() *chat.Message {
	readBy := make([]chat.ReadReceipt, 0, len(d.ReadBy))
	for _, r := range d.ReadBy {
		readBy = append(readBy, chat.ReadReceipt{UserID: user.ID(r.UserID), ReadAt: timestampToTime(r.ReadAt)})
	}
	return &chat.Message{
		ID:             chat.MessageID(d.ID),
		ConversationID: chat.ConversationID(d.ConversationID),
		SenderID:       user.ID(d.SenderID),
		Content:        d.Content,
		Attachments:    append([]string(nil), d.Attachments...),
		ReadBy:         readBy,
		CreatedAt:      timestampToTime(d.CreatedAt),
	}
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var (
	_ chat.ConversationRepository = (*ChatRepository)(nil)
	_ chat.MessageRepository      = chatMessages{}
)
