package engine

import (
	"fmt"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"
)

// Replay applies a logged envelope on top of the current state. Envelopes
// must arrive in sequence order and extend the hash chain; records on a
// commit-closing envelope replace the stored copies. Like Restore it is
// meant for startup.
func (e *Engine) Replay(env *event.Envelope) error {
	e.gate.Lock()
	defer e.gate.Unlock()

	seq, tip := e.emitter.lastSequence(), e.emitter.tip()
	if env.Sequence != seq+1 {
		return fmt.Errorf("replay: expected sequence %d, got %d", seq+1, env.Sequence)
	}
	if VerifyChain(tip, []*event.Envelope{env}) != -1 {
		return fmt.Errorf("replay: hash chain broken at sequence %d", env.Sequence)
	}

	if env.Records != nil {
		if err := e.applyRecords(env.Records); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
	}
	e.emitter.reset(env.Sequence, env.StateHash)
	if env.RequestID != "" && env.CommitEnd() {
		e.idempotency.Warm([]string{env.RequestID})
	}
	return nil
}

// applyRecords upserts committed records. The caller holds the gate
// exclusively.
func (e *Engine) applyRecords(r *event.Records) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range r.Markets {
		if slot, ok := e.markets[m.Symbol]; ok {
			slot.market = m.Clone()
			continue
		}
		e.markets[m.Symbol] = newMarketSlot(m.Clone(), order.NewBook(m.Symbol))
	}

	lookup := func(id string) (*marketSlot, error) {
		slot, ok := e.markets[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", venue.ErrMarketNotFound, id)
		}
		return slot, nil
	}

	for _, p := range r.Pools {
		slot, err := lookup(p.MarketID)
		if err != nil {
			return err
		}
		slot.pool = p.Clone()
	}
	for _, b := range r.Books {
		slot, err := lookup(b.MarketID)
		if err != nil {
			return err
		}
		slot.book = b.Clone()
	}
	for _, o := range r.Orders {
		slot, err := lookup(o.MarketID)
		if err != nil {
			return err
		}
		slot.orders[o.ID] = o.Clone()
		e.orderMarket[o.ID] = o.MarketID
	}

	variance := make(map[string]*position.VarianceSwapData, len(r.VarianceSwaps))
	for _, v := range r.VarianceSwaps {
		variance[v.PositionID] = v.Clone()
	}
	for _, p := range r.Positions {
		mslot, err := lookup(p.MarketID)
		if err != nil {
			return err
		}
		slot, ok := e.positions[p.ID]
		if !ok {
			slot = &positionSlot{}
			e.positions[p.ID] = slot
		}
		slot.pos = p.Clone()
		if v, ok := variance[p.ID]; ok {
			slot.variance = v
			delete(variance, p.ID)
		}
		mslot.positions[p.ID] = struct{}{}

		if p.IsOpen {
			e.openByKey[p.Key()] = p.ID
		} else if e.openByKey[p.Key()] == p.ID {
			delete(e.openByKey, p.Key())
		}
	}
	for id, v := range variance {
		slot, ok := e.positions[id]
		if !ok {
			return fmt.Errorf("%w: variance swap for %s", venue.ErrPositionNotFound, id)
		}
		slot.variance = v
	}
	return nil
}
