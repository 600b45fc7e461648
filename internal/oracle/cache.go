// Package oracle holds the latest externally supplied price, funding rate
// and variance per oracle reference. Values are trusted as received;
// staleness is the feed's concern.
package oracle

import (
	"fmt"
	"sync"

	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/venue"

	"github.com/rs/zerolog"
)

type Kind int32

const (
	KindPrice Kind = iota
	KindFunding
	KindVariance
)

func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindFunding:
		return "funding"
	case KindVariance:
		return "variance"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	for k := KindPrice; k <= KindVariance; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown oracle kind %q", venue.ErrInvalidParams, s)
}

// Update is one value from the feed. Price is ×1e6, funding is a signed rate
// per 8h period, variance is ×1e6 annualized.
type Update struct {
	Ref       string
	Kind      Kind
	Value     int64
	Sequence  int64
	Timestamp int64
}

func (u Update) Validate() error {
	if u.Ref == "" {
		return fmt.Errorf("%w: empty oracle reference", venue.ErrInvalidParams)
	}
	switch u.Kind {
	case KindPrice:
		if u.Value <= 0 {
			return fmt.Errorf("%w: price %d for %s", venue.ErrInvalidAmount, u.Value, u.Ref)
		}
	case KindVariance:
		if u.Value < 0 {
			return fmt.Errorf("%w: variance %d for %s", venue.ErrInvalidAmount, u.Value, u.Ref)
		}
	case KindFunding:
	default:
		return fmt.Errorf("%w: oracle kind %d", venue.ErrInvalidParams, u.Kind)
	}
	return nil
}

// Reading is the latest accepted value of one kind for one reference.
type Reading struct {
	Value     int64 `json:"value"`
	Sequence  int64 `json:"sequence"`
	Timestamp int64 `json:"timestamp"`
}

// PriceSource is what the keeper reads to drive liquidations, funding and
// exits.
type PriceSource interface {
	Price(ref string) (Reading, bool)
	FundingRate(ref string) (Reading, bool)
	Variance(ref string) (Reading, bool)
}

type key struct {
	kind Kind
	ref  string
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	readings map[key]Reading
	seq      *SequenceTracker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ PriceSource = (*Cache)(nil)

// NewCache creates an empty cache. metrics may be nil.
func NewCache(metrics *observability.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{
		readings: make(map[key]Reading),
		seq:      NewSequenceTracker(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Apply stores u unless an equal or newer sequence was already seen for its
// reference and kind. It reports whether the value was stored.
func (c *Cache) Apply(u Update) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	accepted, gap := c.seq.Accept(u.Kind, u.Ref, u.Sequence)
	if accepted {
		c.readings[key{u.Kind, u.Ref}] = Reading{Value: u.Value, Sequence: u.Sequence, Timestamp: u.Timestamp}
	}
	c.mu.Unlock()

	if gap {
		c.logger.Warn().
			Str("ref", u.Ref).
			Str("kind", u.Kind.String()).
			Int64("sequence", u.Sequence).
			Msg("oracle sequence gap")
	}
	if !accepted {
		return false, nil
	}
	if c.metrics != nil {
		c.metrics.OracleUpdates.WithLabelValues(u.Kind.String()).Inc()
	}
	return true, nil
}

func (c *Cache) get(kind Kind, ref string) (Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.readings[key{kind, ref}]
	return r, ok
}

func (c *Cache) Price(ref string) (Reading, bool) {
	return c.get(KindPrice, ref)
}

func (c *Cache) FundingRate(ref string) (Reading, bool) {
	return c.get(KindFunding, ref)
}

func (c *Cache) Variance(ref string) (Reading, bool) {
	return c.get(KindVariance, ref)
}

// Gaps returns how many sequence jumps were seen for ref and kind.
func (c *Cache) Gaps(kind Kind, ref string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq.Gaps(kind, ref)
}
