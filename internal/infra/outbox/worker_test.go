package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appoutbox "taskhive/internal/app/outbox"
	"taskhive/internal/infra/storage/memory"
)

type publishedMessage struct {
	topic   string
	key     string
	payload []byte
	headers map[string]string
}

type fakeProducer struct {
	published []publishedMessage
	failures  int
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, publishedMessage{topic: topic, key: key, payload: payload, headers: headers})
	return nil
}

func addRecord(t *testing.T, store *memory.OutboxStore, id, name, aggregate string) {
	t.Helper()
	require.NoError(t, store.Add(context.Background(), appoutbox.Record{
		ID:         id,
		Name:       name,
		Aggregate:  aggregate,
		Payload:    []byte(`{"messageId":"msg-1"}`),
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
}

func TestProcessOncePublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	producer := &fakeProducer{}
	w := &Worker{Store: store, Producer: producer, ID: "worker-1"}

	addRecord(t, store, "rec-1", "chat.message_sent", "conv-1")

	require.NoError(t, w.processOnce(ctx))
	require.Len(t, producer.published, 1)
	assert.Zero(t, store.Pending())

	msg := producer.published[0]
	assert.Equal(t, "chat.events.v1", msg.topic)
	assert.Equal(t, "conv-1", msg.key, "keyed by aggregate for per-conversation ordering")
	assert.Equal(t, "application/json", msg.headers["content-type"])

	var envelope struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Aggregate  string         `json:"aggregate"`
		OccurredAt time.Time      `json:"occurredAt"`
		Data       map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.payload, &envelope))
	assert.Equal(t, "rec-1", envelope.ID)
	assert.Equal(t, "chat.message_sent", envelope.Type)
	assert.Equal(t, "conv-1", envelope.Aggregate)
	assert.Equal(t, "msg-1", envelope.Data["messageId"])

	// Empty outbox is a quiet no-op.
	require.NoError(t, w.processOnce(ctx))
	assert.Len(t, producer.published, 1)
}

func TestProcessOnceTopicPrefix(t *testing.T) {
	store := memory.NewOutboxStore()
	producer := &fakeProducer{}
	w := &Worker{Store: store, Producer: producer, ID: "worker-1", TopicPrefix: "staging."}

	addRecord(t, store, "rec-1", "chat.conversation_started", "conv-1")
	require.NoError(t, w.processOnce(context.Background()))
	require.Len(t, producer.published, 1)
	assert.Equal(t, "staging.chat.events.v1", producer.published[0].topic)
}

func TestProcessOnceRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	producer := &fakeProducer{failures: 1}
	w := &Worker{Store: store, Producer: producer, ID: "worker-1", Backoff: []time.Duration{0}}

	addRecord(t, store, "rec-1", "chat.message_sent", "conv-1")

	// First pass hits the broker error; the record goes back to pending.
	require.NoError(t, w.processOnce(ctx))
	assert.Empty(t, producer.published)
	assert.Equal(t, 1, store.Pending())

	require.NoError(t, w.processOnce(ctx))
	require.Len(t, producer.published, 1)
	assert.Zero(t, store.Pending())
}

func TestRunRequiresDependencies(t *testing.T) {
	w := &Worker{}
	assert.ErrorIs(t, w.Run(context.Background()), ErrWorkerNotConfigured)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.NewOutboxStore()
	w := &Worker{Store: store, Producer: &fakeProducer{}, ID: "worker-1", Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Run(ctx), context.DeadlineExceeded)
}
