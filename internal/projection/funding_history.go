package projection

import (
	"context"
	"errors"
	"fmt"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/pool"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// FundingHistoryEntry is one position's funding payment.
type FundingHistoryEntry struct {
	PositionID string `json:"position_id"`
	MarketID   string `json:"market_id"`
	Rate       int64  `json:"rate"`
	Payment    int64  `json:"payment"` // positive = paid
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

// HistoryEntries flattens a funding event into per-position entries.
func HistoryEntries(env *event.Envelope, f *event.FundingApplied) []FundingHistoryEntry {
	entries := make([]FundingHistoryEntry, 0, len(f.Payments))
	for _, p := range f.Payments {
		entries = append(entries, FundingHistoryEntry{
			PositionID: p.PositionID,
			MarketID:   f.Market,
			Rate:       f.Rate,
			Payment:    p.Payment,
			Sequence:   env.Sequence,
			Timestamp:  env.Timestamp,
		})
	}
	return entries
}

// Reader serves the Redis read model.
type Reader struct {
	client redis.UniversalClient
}

func NewReader(client redis.UniversalClient) *Reader {
	return &Reader{client: client}
}

// ErrNotProjected is returned for keys the projection has not written.
var ErrNotProjected = errors.New("not projected")

func (r *Reader) get(ctx context.Context, key string, v any) error {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotProjected, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (r *Reader) Market(ctx context.Context, symbol string) (*market.Market, error) {
	var m market.Market
	if err := r.get(ctx, MarketKey(symbol), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Reader) Pool(ctx context.Context, marketID string) (*pool.Pool, error) {
	var p pool.Pool
	if err := r.get(ctx, PoolKey(marketID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Reader) Book(ctx context.Context, marketID string) (*order.Book, error) {
	var b order.Book
	if err := r.get(ctx, BookKey(marketID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Watermark is the sequence of the last applied output, 0 if none.
func (r *Reader) Watermark(ctx context.Context) (int64, error) {
	seq, err := r.client.Get(ctx, WatermarkKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return seq, err
}

// FundingHistory returns up to limit entries for a market, newest first,
// optionally filtered to one position.
func (r *Reader) FundingHistory(ctx context.Context, marketID, positionID string, limit int) ([]FundingHistoryEntry, error) {
	raw, err := r.client.LRange(ctx, FundingKey(marketID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]FundingHistoryEntry, 0)
	for i := len(raw) - 1; i >= 0 && len(result) < limit; i-- {
		var e FundingHistoryEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("decode funding entry: %w", err)
		}
		if positionID == "" || e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}
