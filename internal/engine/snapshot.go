package engine

import (
	"fmt"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"
)

// State is a consistent copy of every record plus the event chain tip.
type State struct {
	Sequence  int64      `json:"sequence"`
	StateHash event.Hash `json:"state_hash"`
	event.Records
}

// Snapshot blocks commands while it copies the state. Records are ordered by
// id so equal states produce equal snapshots.
func (e *Engine) Snapshot() *State {
	e.gate.Lock()
	defer e.gate.Unlock()

	s := &State{
		Sequence:  e.emitter.lastSequence(),
		StateHash: e.emitter.tip(),
	}

	for _, id := range sortedKeys(e.markets) {
		slot := e.markets[id]
		s.Markets = append(s.Markets, slot.market.Clone())
		s.Books = append(s.Books, slot.book.Clone())
		if slot.pool != nil {
			s.Pools = append(s.Pools, slot.pool.Clone())
		}
		for _, oid := range sortedKeys(slot.orders) {
			s.Orders = append(s.Orders, slot.orders[oid].Clone())
		}
	}
	for _, id := range sortedKeys(e.positions) {
		slot := e.positions[id]
		s.Positions = append(s.Positions, slot.pos.Clone())
		if slot.variance != nil {
			s.VarianceSwaps = append(s.VarianceSwaps, slot.variance.Clone())
		}
	}
	return s
}

// Restore replaces all state with s. It is meant for startup, before any
// command is served.
func (e *Engine) Restore(s *State) error {
	markets := make(map[string]*marketSlot, len(s.Markets))
	for _, m := range s.Markets {
		markets[m.Symbol] = newMarketSlot(m.Clone(), order.NewBook(m.Symbol))
	}
	for _, p := range s.Pools {
		slot, ok := markets[p.MarketID]
		if !ok {
			return fmt.Errorf("restore: pool for unknown market %s", p.MarketID)
		}
		slot.pool = p.Clone()
	}
	for _, b := range s.Books {
		if slot, ok := markets[b.MarketID]; ok {
			slot.book = b.Clone()
		}
	}

	orderMarket := make(map[string]string, len(s.Orders))
	for _, o := range s.Orders {
		slot, ok := markets[o.MarketID]
		if !ok {
			return fmt.Errorf("restore: order %s for unknown market %s", o.ID, o.MarketID)
		}
		slot.orders[o.ID] = o.Clone()
		orderMarket[o.ID] = o.MarketID
	}

	variance := make(map[string]*position.VarianceSwapData, len(s.VarianceSwaps))
	for _, v := range s.VarianceSwaps {
		variance[v.PositionID] = v.Clone()
	}
	positions := make(map[string]*positionSlot, len(s.Positions))
	openByKey := make(map[venue.PositionKey]string)
	for _, p := range s.Positions {
		slot, ok := markets[p.MarketID]
		if !ok {
			return fmt.Errorf("restore: position %s for unknown market %s", p.ID, p.MarketID)
		}
		positions[p.ID] = &positionSlot{pos: p.Clone(), variance: variance[p.ID]}
		slot.positions[p.ID] = struct{}{}
		if p.IsOpen {
			openByKey[p.Key()] = p.ID
		}
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	e.mu.Lock()
	e.markets = markets
	e.positions = positions
	e.openByKey = openByKey
	e.orderMarket = orderMarket
	e.mu.Unlock()

	e.emitter.reset(s.Sequence, s.StateHash)

	e.SyncMetrics()
	return nil
}

// SyncMetrics resets state gauges from the records, after Restore or Replay.
func (e *Engine) SyncMetrics() {
	if e.metrics == nil {
		return
	}
	e.mu.RLock()
	markets := make(map[string]*marketSlot, len(e.markets))
	for id, slot := range e.markets {
		markets[id] = slot
	}
	positions := make([]*positionSlot, 0, len(e.positions))
	for _, slot := range e.positions {
		positions = append(positions, slot)
	}
	e.mu.RUnlock()

	open := make(map[string]int, len(markets))
	for id, slot := range markets {
		open[id] = 0
		slot.mu.Lock()
		if slot.pool != nil {
			e.observePool(slot.pool)
		}
		slot.mu.Unlock()
	}
	for _, slot := range positions {
		slot.mu.Lock()
		if slot.pos.IsOpen {
			open[slot.pos.MarketID]++
		}
		slot.mu.Unlock()
	}
	for id, n := range open {
		e.metrics.OpenPositions.WithLabelValues(id).Set(float64(n))
	}
	e.metrics.EventSequence.Set(float64(e.emitter.lastSequence()))
}
