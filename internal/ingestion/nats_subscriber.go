package ingestion

import (
	"context"
	"fmt"
	"time"

	"SecuritiesVenue/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OracleStream  = "VENUE_ORACLE"
	oracleSubject = "venue.oracle"
)

// NATSSubscriber consumes the oracle feed from JetStream and hands raw
// messages to the dispatcher.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawMessage is an undecoded feed message. Ack after it has been applied;
// Nak to have it redelivered.
type RawMessage struct {
	Subject   string
	Kind      oracle.Kind
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig binds a subject filter to the kind of value it carries.
type SubjectConfig struct {
	Subject      string
	Kind         oracle.Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects subscribes to venue.oracle.{price,funding,variance}.<ref>.
func DefaultSubjects() []SubjectConfig {
	kinds := []oracle.Kind{oracle.KindPrice, oracle.KindFunding, oracle.KindVariance}
	out := make([]SubjectConfig, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, SubjectConfig{
			Subject:      fmt.Sprintf("%s.%s.>", oracleSubject, k),
			Kind:         k,
			ConsumerName: "venue-oracle-" + k.String(),
			StreamName:   OracleStream,
		})
	}
	return out
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("oracle subscribers stopped")
}

// EnsureStreams creates the oracle and outbound event streams if missing.
// Oracle values are only useful while fresh, so that stream keeps one
// message per subject.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              OracleStream,
			Subjects:          []string{oracleSubject + ".>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			MaxAge:            72 * time.Hour,
			Replicas:          1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("venued"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
