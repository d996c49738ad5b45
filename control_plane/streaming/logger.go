package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogPublisher writes events to the structured log. Used when no Redis is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{
		logger: logger.With("component", "streaming"),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		return err
	}
	p.logger.Info("publish", "topic", topic, "event_id", event.ID, "payload", string(event.Payload))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Info("closed log publisher")
	return nil
}

func newEvent(topic string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "control-plane",
	}, nil
}
