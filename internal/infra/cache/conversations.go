package cache

import (
	"sync"
	"time"

	"taskhive/internal/domain/chat"
	"taskhive/internal/domain/user"
)

// DefaultTTL matches the freshness window conversation snapshots are allowed
// to serve without a store round trip.
const DefaultTTL = 10 * time.Minute

type entry struct {
	snapshot   chat.Conversation
	insertedAt time.Time
}

// Conversations is a process-scoped read-through cache for conversation
// snapshots. Entries are replaced or removed whole, never edited in place,
// and every hit is participant-checked so a snapshot can never leak to a
// non-participant. Populated lazily, invalidated on write, gone on restart.
type Conversations struct {
	mu    sync.RWMutex
	items map[chat.ConversationID]entry
	ttl   time.Duration
	now   func() time.Time
}

func NewConversations(ttl time.Duration) *Conversations {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Conversations{
		items: make(map[chat.ConversationID]entry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns a fresh snapshot if the requester is one of its participants.
// Expired entries are evicted and reported as misses.
func (c *Conversations) Get(id chat.ConversationID, requester user.ID) (*chat.Conversation, bool) {
	c.mu.RLock()
	e, ok := c.items[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have refreshed the entry.
		if current, ok := c.items[id]; ok && current.insertedAt == e.insertedAt {
			delete(c.items, id)
		}
		c.mu.Unlock()
		return nil, false
	}
	if !e.snapshot.IsParticipant(requester) {
		return nil, false
	}
	snapshot := e.snapshot
	return &snapshot, true
}

// Put stores a copy of the conversation with a fresh timestamp.
func (c *Conversations) Put(conversation *chat.Conversation) {
	if conversation == nil {
		return
	}
	c.mu.Lock()
	c.items[conversation.ID] = entry{snapshot: *conversation, insertedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops the entry; callers invoke it on every mutation of the
// conversation (new message, archive).
func (c *Conversations) Invalidate(id chat.ConversationID) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// Len reports the number of live entries, for tests and diagnostics.
func (c *Conversations) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
