package memory

import (
	"context"
	"sync"
	"time"

	"taskhive/internal/app/outbox"
)

type outboxState int

const (
	outboxPending outboxState = iota
	outboxClaimed
	outboxSent
)

type outboxEntry struct {
	record      outbox.Record
	state       outboxState
	claimedBy   string
	nextAttempt time.Time
	lastError   string
}

// OutboxStore is the in-memory event outbox used when no broker is
// configured and in tests. Records are claimed one at a time in insertion
// order.
type OutboxStore struct {
	mu      sync.Mutex
	entries []*outboxEntry
	now     func() time.Time
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{now: time.Now}
}

func (s *OutboxStore) Add(ctx context.Context, record outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &outboxEntry{record: record})
	return nil
}

func (s *OutboxStore) Claim(ctx context.Context, workerID string) (*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range s.entries {
		if e.state != outboxPending || e.nextAttempt.After(now) {
			continue
		}
		e.state = outboxClaimed
		e.claimedBy = workerID
		record := e.record
		return &record, nil
	}
	return nil, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(id); e != nil {
		e.state = outboxSent
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, nextAttempt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(id); e != nil {
		e.state = outboxPending
		e.claimedBy = ""
		e.nextAttempt = nextAttempt
		e.lastError = reason
		e.record.Attempts++
	}
	return nil
}

// Pending reports how many records still await publishing, for tests.
func (s *OutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.state != outboxSent {
			n++
		}
	}
	return n
}

func (s *OutboxStore) find(id string) *outboxEntry {
	for _, e := range s.entries {
		if e.record.ID == id {
			return e
		}
	}
	return nil
}

var _ outbox.Store = (*OutboxStore)(nil)
