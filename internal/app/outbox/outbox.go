package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is implemented by chat domain events destined for export.
type DomainEvent interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// Record is a durable, not-yet-published event.
type Record struct {
	ID         string
	Name       string
	Aggregate  string
	Payload    []byte
	OccurredAt time.Time
	Attempts   int
}

// Store persists records until a worker ships them to the broker.
type Store interface {
	Add(ctx context.Context, record Record) error
	// Claim reserves the next publishable record for the worker, or returns
	// (nil, nil) when nothing is due.
	Claim(ctx context.Context, workerID string) (*Record, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, nextAttempt time.Time, reason string) error
}

// Encode turns a domain event into a storable record.
func Encode(ev DomainEvent) (Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:         uuid.NewString(),
		Name:       ev.EventName(),
		Aggregate:  ev.AggregateID(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt().UTC(),
	}, nil
}

// Publish encodes and stores events; a nil store drops them silently so the
// messaging core works without a broker configured.
func Publish(ctx context.Context, store Store, evs ...DomainEvent) error {
	if store == nil || len(evs) == 0 {
		return nil
	}
	for _, ev := range evs {
		rec, err := Encode(ev)
		if err != nil {
			return err
		}
		if err := store.Add(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
