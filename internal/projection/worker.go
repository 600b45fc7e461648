package projection

import (
	"context"
	"fmt"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/observability"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys of the read model. Values are the JSON records the engine
// committed.
const (
	keyPrefix    = "venue:"
	WatermarkKey = keyPrefix + "projection:sequence"
)

func MarketKey(symbol string) string {
	return keyPrefix + "market:" + symbol
}

func PoolKey(marketID string) string {
	return keyPrefix + "pool:" + marketID
}

func BookKey(marketID string) string {
	return keyPrefix + "book:" + marketID
}

func FundingKey(marketID string) string {
	return keyPrefix + "funding:" + marketID
}

// DefaultHistoryLen caps each market's funding history list.
const DefaultHistoryLen = 1000

// Write is one Redis update derived from an engine output. Append writes
// push onto a capped list; the rest overwrite the key.
type Write struct {
	Kind   string
	Key    string
	Value  []byte
	Append bool
}

// Writes maps an output to the updates it implies. Only commit-closing
// envelopes carry records; funding events also add history entries.
func Writes(out engine.Output) ([]Write, error) {
	var ws []Write

	if f, ok := out.Event.(*event.FundingApplied); ok {
		for _, entry := range HistoryEntries(out.Envelope, f) {
			b, err := json.Marshal(entry)
			if err != nil {
				return nil, err
			}
			ws = append(ws, Write{Kind: "funding", Key: FundingKey(f.Market), Value: b, Append: true})
		}
	}

	recs := out.Envelope.Records
	if recs == nil {
		return ws, nil
	}
	for _, m := range recs.Markets {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		ws = append(ws, Write{Kind: "market", Key: MarketKey(m.Symbol), Value: b})
	}
	for _, p := range recs.Pools {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		ws = append(ws, Write{Kind: "pool", Key: PoolKey(p.MarketID), Value: b})
	}
	for _, bk := range recs.Books {
		b, err := json.Marshal(bk)
		if err != nil {
			return nil, err
		}
		ws = append(ws, Write{Kind: "book", Key: BookKey(bk.MarketID), Value: b})
	}
	return ws, nil
}

// ProjectionWorker mirrors market, pool and book summaries into Redis.
// Its channel is fed without blocking, so it may miss outputs; Rebuild
// resets the read model from a full engine snapshot.
type ProjectionWorker struct {
	client     redis.UniversalClient
	inputChan  <-chan engine.Output
	historyLen int64
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewProjectionWorker(client redis.UniversalClient, inputChan <-chan engine.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		client:     client,
		inputChan:  inputChan,
		historyLen: DefaultHistoryLen,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run applies outputs until ctx is cancelled or the channel is closed.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.processOutput(ctx, out); err != nil {
				// The read model is rebuilt from a snapshot on restart
				pw.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.Inc()
				}
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, out engine.Output) error {
	ws, err := Writes(out)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if len(ws) == 0 {
		return nil
	}
	return pw.apply(ctx, out.Envelope.Sequence, ws)
}

func (pw *ProjectionWorker) apply(ctx context.Context, seq int64, ws []Write) error {
	_, err := pw.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range ws {
			if w.Append {
				pipe.RPush(ctx, w.Key, w.Value)
				pipe.LTrim(ctx, w.Key, -pw.historyLen, -1)
				continue
			}
			pipe.Set(ctx, w.Key, w.Value, 0)
		}
		pipe.Set(ctx, WatermarkKey, seq, 0)
		return nil
	})
	if err != nil {
		return err
	}
	if pw.metrics != nil {
		for _, w := range ws {
			pw.metrics.ProjectionWrites.WithLabelValues(w.Kind).Inc()
		}
	}
	return nil
}

// Rebuild overwrites every summary from s. Funding history is left as is.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, s *engine.State) error {
	ws, err := Writes(engine.Output{Envelope: &event.Envelope{Sequence: s.Sequence, Records: &s.Records}})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := pw.apply(ctx, s.Sequence, ws); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	pw.logger.Info().Int64("sequence", s.Sequence).Int("keys", len(ws)).Msg("projection rebuild complete")
	return nil
}

// Fanout copies every output of in to each of outs without blocking. A
// full output drops the copy and counts it. It closes outs once in is
// closed or ctx is cancelled.
func Fanout(ctx context.Context, in <-chan engine.Output, metrics *observability.Metrics, outs ...chan<- engine.Output) {
	defer func() {
		for _, o := range outs {
			close(o)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			for _, o := range outs {
				select {
				case o <- out:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}
