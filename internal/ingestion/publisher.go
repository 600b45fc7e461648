package ingestion

import (
	"context"
	"fmt"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/event"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventsStream  = "VENUE_EVENTS"
	EventsSubject = "venue.events"
)

// OutboundPublisher publishes committed events for downstream consumers on
// venue.events.<market>.<event_type>. The publish channel is lossy; the
// event log is the source of truth.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	logger    zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out.Envelope); err != nil {
				// Non-fatal: downstream consumers can read the event log
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// OutboundMessage strips the post-commit records, which only recovery
// needs.
func OutboundMessage(env *event.Envelope) ([]byte, error) {
	pub := *env
	pub.Records = nil
	data, err := json.Marshal(&pub)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %d: %w", env.Sequence, err)
	}
	return data, nil
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := OutboundMessage(env)
	if err != nil {
		return err
	}
	// the sequence doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, env.Subject(EventsSubject), data,
		jetstream.WithMsgID(fmt.Sprintf("venue-%d", env.Sequence)))
	return err
}
