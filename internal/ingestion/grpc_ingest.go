package ingestion

import (
	"context"
	"fmt"
	"time"

	"SecuritiesVenue/internal/oracle"
)

// ManualFeed lets operators push oracle values through the admin API when
// the NATS feed is unavailable. It is not a high-throughput path.
type ManualFeed struct {
	cache Applier
	clock func() time.Time
}

func NewManualFeed(cache Applier) *ManualFeed {
	return &ManualFeed{cache: cache, clock: time.Now}
}

// Inject parses a decimal value for ref and applies it. Manual values carry
// no sequence, so they always overwrite the current reading.
func (f *ManualFeed) Inject(ctx context.Context, ref string, kind oracle.Kind, value string) (oracle.Update, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Update{}, err
	}
	v, err := ParseOracleValue(kind, value)
	if err != nil {
		return oracle.Update{}, fmt.Errorf("inject %s for %s: %w", kind, ref, err)
	}
	u := oracle.Update{
		Ref:       ref,
		Kind:      kind,
		Value:     v,
		Timestamp: f.clock().Unix(),
	}
	if _, err := f.cache.Apply(u); err != nil {
		return oracle.Update{}, err
	}
	return u, nil
}
