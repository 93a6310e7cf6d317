package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appoutbox "taskhive/internal/app/outbox"
)

var ErrWorkerNotConfigured = errors.New("outbox: worker missing dependencies")

type Producer interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

// Worker drains the outbox into the broker. Events ship on a single topic as
// JSON envelopes keyed by aggregate id, so all events of one conversation
// land in order on the same partition.
type Worker struct {
	Store       appoutbox.Store
	Producer    Producer
	Logger      *slog.Logger
	Interval    time.Duration
	Topic       string
	TopicPrefix string
	ID          string
	Backoff     []time.Duration
}

func (w *Worker) Run(ctx context.Context) error {
	if w.Store == nil || w.Producer == nil {
		return ErrWorkerNotConfigured
	}
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.processOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) error {
	record, err := w.Store.Claim(ctx, w.workerID())
	if err != nil || record == nil {
		return err
	}
	payload, err := w.envelope(record)
	if err != nil {
		w.fail(ctx, record, err)
		return nil
	}
	headers := map[string]string{"content-type": "application/json"}
	if err := w.Producer.Publish(ctx, w.topic(), record.Aggregate, payload, headers); err != nil {
		w.fail(ctx, record, err)
		return nil
	}
	return w.Store.MarkSent(ctx, record.ID)
}

func (w *Worker) fail(ctx context.Context, record *appoutbox.Record, cause error) {
	if w.Logger != nil {
		w.Logger.Warn("outbox publish failed", "event", record.Name, "record_id", record.ID, "error", cause)
	}
	_ = w.Store.MarkFailed(ctx, record.ID, w.nextRetry(record.Attempts), cause.Error())
}

func (w *Worker) envelope(record *appoutbox.Record) ([]byte, error) {
	var data map[string]any
	if err := json.Unmarshal(record.Payload, &data); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"id":         record.ID,
		"type":       record.Name,
		"aggregate":  record.Aggregate,
		"occurredAt": record.OccurredAt,
		"data":       data,
	})
}

func (w *Worker) topic() string {
	topic := w.Topic
	if topic == "" {
		topic = "chat.events.v1"
	}
	if w.TopicPrefix != "" {
		topic = w.TopicPrefix + topic
	}
	return topic
}

func (w *Worker) workerID() string {
	if w.ID != "" {
		return w.ID
	}
	return uuid.NewString()
}

func (w *Worker) interval() time.Duration {
	if w.Interval <= 0 {
		return 500 * time.Millisecond
	}
	return w.Interval
}

func (w *Worker) nextRetry(attempts int) time.Time {
	if attempts < len(w.Backoff) {
		return time.Now().Add(w.Backoff[attempts])
	}
	if len(w.Backoff) > 0 {
		return time.Now().Add(w.Backoff[len(w.Backoff)-1])
	}
	return time.Now().Add(5 * time.Second)
}
