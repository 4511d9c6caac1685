package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/logging"
)

// LogPublisher writes every published event to the log. It is teed next to
// the Bridge when stream.log_events is on.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: logging.WithComponent("streaming"),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    "promptlens",
	}

	p.logger.Info().
		Str("event_id", event.ID).
		Str("topic", event.Topic).
		Int("bytes", len(event.Payload)).
		RawJSON("payload", event.Payload).
		Msg("stream event published")
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debug().Msg("log publisher closed")
	return nil
}
