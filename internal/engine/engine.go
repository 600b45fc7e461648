// Package engine owns every market, pool, order book, position and order
// record and applies commands to them as all-or-nothing transitions.
//
// Locking: the market slot lock covers the market, its pool, its order book
// and its orders. Each position has its own lock. Locks are taken in the
// order market, position, index; the emitter lock is innermost.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/pool"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"

	"github.com/rs/zerolog"
)

const DefaultDedupCapacity = 1_000_000

// Output is one emitted event. Persistence receives every output; the
// publisher may miss some when it falls behind.
type Output struct {
	Envelope *event.Envelope
	Event    event.Event
}

type marketSlot struct {
	mu     sync.Mutex
	market *market.Market
	pool   *pool.Pool
	book   *order.Book
	orders map[string]*order.Order
	// every position ever opened in the market, open or closed
	positions map[string]struct{}
}

func newMarketSlot(m *market.Market, book *order.Book) *marketSlot {
	return &marketSlot{
		market:    m,
		book:      book,
		orders:    make(map[string]*order.Order),
		positions: make(map[string]struct{}),
	}
}

// orderList returns the market's orders with replacements substituted by id.
func (s *marketSlot) orderList(replace map[string]*order.Order) []*order.Order {
	out := make([]*order.Order, 0, len(s.orders))
	for id, o := range s.orders {
		if r, ok := replace[id]; ok {
			o = r
		}
		out = append(out, o)
	}
	for id, r := range replace {
		if _, ok := s.orders[id]; !ok {
			out = append(out, r)
		}
	}
	return out
}

type positionSlot struct {
	mu       sync.Mutex
	pos      *position.Position
	variance *position.VarianceSwapData
}

// Engine is safe for concurrent use.
type Engine struct {
	// gate is held shared by every command and exclusively by Snapshot,
	// Restore and Halt.
	gate   sync.RWMutex
	halted bool

	mu          sync.RWMutex
	markets     map[string]*marketSlot
	positions   map[string]*positionSlot
	openByKey   map[venue.PositionKey]string
	orderMarket map[string]string

	emitter     *emitter
	idempotency *IdempotencyChecker

	minimumLiquidity int64
	dedupCapacity    int
	metrics          *observability.Metrics
	logger           zerolog.Logger
}

type Option func(*Engine)

// WithMinimumLiquidity sets the LP amount locked on every pool's first
// deposit.
func WithMinimumLiquidity(n int64) Option {
	return func(e *Engine) { e.minimumLiquidity = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithDedupCapacity(n int) Option {
	return func(e *Engine) { e.dedupCapacity = n }
}

// New creates an empty engine. Either channel may be nil.
func New(
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	opts ...Option,
) *Engine {
	e := &Engine{
		markets:       make(map[string]*marketSlot),
		positions:     make(map[string]*positionSlot),
		openByKey:     make(map[venue.PositionKey]string),
		orderMarket:   make(map[string]string),
		dedupCapacity: DefaultDedupCapacity,
		metrics:       metrics,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.idempotency = NewIdempotencyChecker(e.dedupCapacity, dbChecker)
	e.emitter = &emitter{
		hasher:  NewStateHasher(),
		persist: persistChan,
		publish: publishChan,
		metrics: metrics,
	}
	return e
}

// run applies one command: dedup, execute, metrics.
func (e *Engine) run(command, requestID string, fn func() error) error {
	start := time.Now()

	e.gate.RLock()
	defer e.gate.RUnlock()

	if e.halted {
		return venue.ErrHalted
	}

	if requestID != "" {
		if tier := e.idempotency.Begin(requestID); tier != "" {
			if e.metrics != nil {
				e.metrics.IdempotencyDuplicates.WithLabelValues(command, tier).Inc()
			}
			return fmt.Errorf("%w: %s", venue.ErrDuplicateRequest, requestID)
		}
	}

	err := fn()

	if requestID != "" {
		if err != nil {
			e.idempotency.Abort(requestID)
		} else {
			e.idempotency.Commit(requestID)
		}
	}

	if err != nil {
		e.logger.Debug().Err(err).Str("command", command).Str("request_id", requestID).Msg("command rejected")
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(command, venue.Reason(err)).Inc()
		}
		return err
	}

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(command).Inc()
		e.metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
		e.metrics.EventSequence.Set(float64(e.Sequence()))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
	}
	return nil
}

func (e *Engine) marketSlot(id string) (*marketSlot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", venue.ErrMarketNotFound, id)
	}
	return s, nil
}

func (e *Engine) positionSlot(id string) (*positionSlot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", venue.ErrPositionNotFound, id)
	}
	return s, nil
}

// lockedOrder locks the order's market and returns both. The caller must
// unlock the slot.
func (e *Engine) lockedOrder(id string) (*marketSlot, *order.Order, error) {
	e.mu.RLock()
	marketID, ok := e.orderMarket[id]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, id)
	}
	slot, err := e.marketSlot(marketID)
	if err != nil {
		return nil, nil, err
	}
	slot.mu.Lock()
	o, ok := slot.orders[id]
	if !ok {
		slot.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, id)
	}
	return slot, o, nil
}

// Sequence returns the last assigned event sequence.
func (e *Engine) Sequence() int64 {
	return e.emitter.lastSequence()
}

// StateHash returns the hash chain tip.
func (e *Engine) StateHash() event.Hash {
	return e.emitter.tip()
}

// Halt waits for in-flight commands and rejects every later one with
// venue.ErrHalted. Once it returns nothing more is sent on the output
// channels, so the caller may close them.
func (e *Engine) Halt() {
	e.gate.Lock()
	defer e.gate.Unlock()
	e.halted = true
}

// WarmDedup preloads recently applied request ids.
func (e *Engine) WarmDedup(requestIDs []string) {
	e.idempotency.Warm(requestIDs)
}

// --- Emitter ---

type emitter struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher
	persist  chan<- Output
	publish  chan<- Output
	metrics  *observability.Metrics
}

// emit assigns sequences and hashes to evts in order and hands them to the
// output channels. recs is attached to the last envelope. Payloads are
// encoded before any sequence is consumed, so a failure leaves the chain
// untouched.
func (em *emitter) emit(requestID string, now int64, recs *event.Records, evts ...event.Event) error {
	if recs == nil {
		recs = &event.Records{}
	}
	payloads := make([][]byte, len(evts))
	for i, evt := range evts {
		b, err := event.Encode(evt)
		if err != nil {
			return err
		}
		payloads[i] = b
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	for i, evt := range evts {
		em.sequence++
		prev := em.hasher.GetPrevHash()
		hash := em.hasher.ComputeHash(em.sequence, evt.EventType(), payloads[i])

		env := &event.Envelope{
			Sequence:  em.sequence,
			EventID:   venue.NewID(),
			RequestID: requestID,
			EventType: evt.EventType(),
			MarketID:  evt.MarketID(),
			Timestamp: now,
			Payload:   payloads[i],
			StateHash: hash,
			PrevHash:  prev,
		}
		if i == len(evts)-1 {
			env.Records = recs
		}
		em.send(Output{Envelope: env, Event: evt})
	}
	return nil
}

func (em *emitter) send(out Output) {
	// Persistence: blocking send so no event is lost.
	if em.persist != nil {
		select {
		case em.persist <- out:
		default:
			if em.metrics != nil {
				em.metrics.PersistBackpressure.Inc()
			}
			em.persist <- out
		}
	}

	// Publishing: drop on full; consumers rebuild from the event log.
	if em.publish != nil {
		select {
		case em.publish <- out:
		default:
			if em.metrics != nil {
				em.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (em *emitter) lastSequence() int64 {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.sequence
}

func (em *emitter) tip() event.Hash {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.hasher.GetPrevHash()
}

func (em *emitter) reset(sequence int64, tip event.Hash) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.sequence = sequence
	em.hasher = ResumeStateHasher(tip)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
