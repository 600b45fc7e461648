package ingestion

import (
	"context"

	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/oracle"

	"github.com/rs/zerolog"
)

// Applier stores decoded oracle values.
type Applier interface {
	Apply(u oracle.Update) (bool, error)
}

// Dispatcher decodes feed messages and applies them to the oracle cache.
// Malformed and rejected messages are acked and dropped so they are not
// redelivered forever.
type Dispatcher struct {
	rawChan <-chan RawMessage
	cache   Applier
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(rawChan <-chan RawMessage, cache Applier, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		rawChan: rawChan,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawMessage) {
	u, err := ParseOracleMessage(raw)
	if err != nil {
		if d.metrics != nil {
			d.metrics.OracleParseErrors.Inc()
		}
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse oracle message failed")
		ack(raw)
		return
	}

	applied, err := d.cache.Apply(u)
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("ref", u.Ref).Str("kind", u.Kind.String()).Msg("oracle value rejected")
	case !applied:
		d.logger.Debug().Str("ref", u.Ref).Int64("sequence", u.Sequence).Msg("stale oracle value ignored")
	}
	ack(raw)
}

func ack(raw RawMessage) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
