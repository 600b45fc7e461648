package engine

import (
	"fmt"
	"sort"

	"SecuritiesVenue/internal/event"
	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"
)

// OpenPosition opens the owner's single position in a trading market.
func (e *Engine) OpenPosition(req OpenPositionRequest) (*position.Position, error) {
	var opened *position.Position
	err := e.run("open_position", req.RequestID, func() error {
		pos, _, err := e.openPosition(req.RequestID, req.Now, req.MarketID, req.Params, nil)
		opened = pos
		return err
	})
	return opened, err
}

// OpenVarianceSwap opens a variance-swap position together with its terms.
func (e *Engine) OpenVarianceSwap(req OpenVarianceSwapRequest) (*position.Position, *position.VarianceSwapData, error) {
	var (
		opened *position.Position
		terms  *position.VarianceSwapData
	)
	err := e.run("open_variance_swap", req.RequestID, func() error {
		if req.Params.Type != position.TypeVarianceSwap {
			return fmt.Errorf("%w: variance swap requires type %s", venue.ErrInvalidParams, position.TypeVarianceSwap)
		}
		attach := func(pos *position.Position) (*position.VarianceSwapData, error) {
			return position.NewVarianceSwap(pos, req.StrikeVariance, req.Notional, req.SettlementDate)
		}
		pos, v, err := e.openPosition(req.RequestID, req.Now, req.MarketID, req.Params, attach)
		opened, terms = pos, v
		return err
	})
	return opened, terms, err
}

func (e *Engine) openPosition(
	requestID string,
	now int64,
	marketID string,
	params position.OpenParams,
	attach func(*position.Position) (*position.VarianceSwapData, error),
) (*position.Position, *position.VarianceSwapData, error) {
	slot, err := e.marketSlot(marketID)
	if err != nil {
		return nil, nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	pos, err := position.Open(slot.market, venue.NewID(), params, now)
	if err != nil {
		return nil, nil, err
	}

	evts := []event.Event{&event.PositionOpened{Position: pos.Clone()}}
	recs := &event.Records{Positions: []*position.Position{pos.Clone()}}
	var terms *position.VarianceSwapData
	if attach != nil {
		terms, err = attach(pos)
		if err != nil {
			return nil, nil, err
		}
		evts = append(evts, &event.VarianceSwapCreated{Market: marketID, Swap: terms.Clone()})
		recs.VarianceSwaps = []*position.VarianceSwapData{terms.Clone()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, exists := e.openByKey[pos.Key()]; exists {
		return nil, nil, fmt.Errorf("%w: %s already holds %s in %s", venue.ErrPositionExists, pos.Owner, id, marketID)
	}
	if err := e.emitter.emit(requestID, now, recs, evts...); err != nil {
		return nil, nil, err
	}

	e.positions[pos.ID] = &positionSlot{pos: pos, variance: terms}
	e.openByKey[pos.Key()] = pos.ID
	slot.positions[pos.ID] = struct{}{}

	if e.metrics != nil {
		e.metrics.OpenPositions.WithLabelValues(marketID).Inc()
	}

	var out *position.VarianceSwapData
	if terms != nil {
		out = terms.Clone()
	}
	return pos.Clone(), out, nil
}

// closeWith applies a settling transition to a copy of the position, commits
// it and frees the owner's slot in the market.
func (e *Engine) closeWith(
	command string,
	req PositionPriceRequest,
	fn func(p *position.Position) (position.Settlement, event.Event, error),
) (position.Settlement, error) {
	var settlement position.Settlement
	err := e.run(command, req.RequestID, func() error {
		slot, err := e.positionSlot(req.PositionID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		next := slot.pos.Clone()
		s, evt, err := fn(next)
		if err != nil {
			return err
		}
		if err := e.emitter.emit(req.RequestID, req.Now, positionRecords(next), evt); err != nil {
			return err
		}
		slot.pos = next
		e.release(next)
		settlement = s
		return nil
	})
	return settlement, err
}

func (e *Engine) release(p *position.Position) {
	e.mu.Lock()
	if e.openByKey[p.Key()] == p.ID {
		delete(e.openByKey, p.Key())
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.OpenPositions.WithLabelValues(p.MarketID).Dec()
	}
}

// ClosePosition realizes PnL at the caller's price. Closing is allowed in
// any market state so traders can always exit.
func (e *Engine) ClosePosition(req PositionPriceRequest) (position.Settlement, error) {
	return e.closeWith("close_position", req, func(p *position.Position) (position.Settlement, event.Event, error) {
		s, err := p.Close(req.Price, req.Now)
		if err != nil {
			return s, nil, err
		}
		return s, &event.PositionClosed{
			Market:     p.MarketID,
			PositionID: p.ID,
			Owner:      p.Owner,
			Price:      req.Price,
			Reason:     p.CloseReason,
			Settlement: s,
		}, nil
	})
}

// LiquidatePosition force-closes a position below maintenance margin.
func (e *Engine) LiquidatePosition(req PositionPriceRequest) (position.Settlement, error) {
	return e.closeWith("liquidate_position", req, func(p *position.Position) (position.Settlement, event.Event, error) {
		s, err := p.Liquidate(req.Price, req.Now)
		if err != nil {
			return s, nil, err
		}
		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(p.MarketID).Inc()
			e.metrics.LiquidationDeficit.WithLabelValues(p.MarketID).Add(float64(s.Deficit))
		}
		return s, &event.PositionLiquidated{
			Market:           p.MarketID,
			PositionID:       p.ID,
			Owner:            p.Owner,
			Price:            req.Price,
			LiquidationPrice: p.LiquidationPrice,
			Settlement:       s,
		}, nil
	})
}

// ExitPosition closes a position whose take-profit or stop-loss has been
// crossed at price.
func (e *Engine) ExitPosition(req PositionPriceRequest) (position.Settlement, position.CloseReason, error) {
	var reason position.CloseReason
	s, err := e.closeWith("exit_position", req, func(p *position.Position) (position.Settlement, event.Event, error) {
		s, r, err := p.ExitAt(req.Price, req.Now)
		if err != nil {
			return s, nil, err
		}
		reason = r
		return s, &event.PositionClosed{
			Market:     p.MarketID,
			PositionID: p.ID,
			Owner:      p.Owner,
			Price:      req.Price,
			Reason:     r,
			Settlement: s,
		}, nil
	})
	return s, reason, err
}

// ApplyFunding accrues funding on one position and returns the signed
// change to its accumulated funding.
func (e *Engine) ApplyFunding(req FundingRequest) (int64, error) {
	var delta int64
	err := e.run("apply_funding", req.RequestID, func() error {
		slot, err := e.positionSlot(req.PositionID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		next := slot.pos.Clone()
		d, err := next.ApplyFunding(req.Rate, req.Now)
		if err != nil {
			return err
		}
		evt := fundingEvent(next.MarketID, req.Rate, []fpmath.LegPayment{{PositionID: next.ID, Payment: -d}})
		if err := e.emitter.emit(req.RequestID, req.Now, positionRecords(next), evt); err != nil {
			return err
		}
		slot.pos = next
		e.observeFunding(evt)
		delta = d
		return nil
	})
	return delta, err
}

// ApplyMarketFunding accrues funding on every open position of a market in
// position-id order. Either all positions are updated or none.
func (e *Engine) ApplyMarketFunding(req MarketFundingRequest) (*event.FundingApplied, error) {
	var applied *event.FundingApplied
	err := e.run("apply_market_funding", req.RequestID, func() error {
		mslot, err := e.marketSlot(req.MarketID)
		if err != nil {
			return err
		}
		mslot.mu.Lock()
		defer mslot.mu.Unlock()

		slots := e.openSlots(mslot)
		for _, s := range slots {
			s.mu.Lock()
			defer s.mu.Unlock()
		}

		nexts := make([]*position.Position, 0, len(slots))
		payments := make([]fpmath.LegPayment, 0, len(slots))
		for _, s := range slots {
			if !s.pos.IsOpen {
				continue
			}
			next := s.pos.Clone()
			d, err := next.ApplyFunding(req.Rate, req.Now)
			if err != nil {
				return fmt.Errorf("funding %s: %w", next.ID, err)
			}
			nexts = append(nexts, next)
			if d != 0 {
				payments = append(payments, fpmath.LegPayment{PositionID: next.ID, Payment: -d})
			}
		}

		evt := fundingEvent(req.MarketID, req.Rate, payments)
		if err := e.emitter.emit(req.RequestID, req.Now, positionRecords(nexts...), evt); err != nil {
			return err
		}
		byID := make(map[string]*position.Position, len(nexts))
		for _, n := range nexts {
			byID[n.ID] = n
		}
		for _, s := range slots {
			if n, ok := byID[s.pos.ID]; ok {
				s.pos = n
			}
		}
		e.observeFunding(evt)
		applied = evt
		return nil
	})
	return applied, err
}

// PreviewFunding estimates the funding each open position of a market would
// pay at rate as of now, without carry and without mutation.
func (e *Engine) PreviewFunding(marketID string, rate, now int64) (*fpmath.FundingSweep, error) {
	positions, err := e.OpenPositions(marketID)
	if err != nil {
		return nil, err
	}
	legs := make([]fpmath.FundingLeg, 0, len(positions))
	for _, p := range positions {
		legs = append(legs, fpmath.FundingLeg{
			PositionID: p.ID,
			Size:       p.Size,
			SideSign:   p.Side.Sign(),
			Elapsed:    now - p.LastFundingUpdate,
		})
	}
	sweep, err := fpmath.ComputeFundingSweep(marketID, rate, legs)
	return sweep, venue.MathErr(err)
}

func positionRecords(ps ...*position.Position) *event.Records {
	recs := &event.Records{Positions: make([]*position.Position, 0, len(ps))}
	for _, p := range ps {
		recs.Positions = append(recs.Positions, p.Clone())
	}
	return recs
}

func fundingEvent(marketID string, rate int64, payments []fpmath.LegPayment) *event.FundingApplied {
	evt := &event.FundingApplied{Market: marketID, Rate: rate, Payments: payments}
	for _, p := range payments {
		if p.Payment > 0 {
			evt.TotalPaid = fpmath.SaturatingAdd(evt.TotalPaid, p.Payment)
		} else {
			evt.TotalReceived = fpmath.SaturatingAdd(evt.TotalReceived, -p.Payment)
		}
	}
	return evt
}

func (e *Engine) observeFunding(evt *event.FundingApplied) {
	if e.metrics == nil {
		return
	}
	e.metrics.FundingAccrued.WithLabelValues(evt.Market, "paid").Add(float64(evt.TotalPaid))
	e.metrics.FundingAccrued.WithLabelValues(evt.Market, "received").Add(float64(evt.TotalReceived))
}

// openSlots returns the market's open position slots sorted by id. The
// caller holds the market lock.
func (e *Engine) openSlots(mslot *marketSlot) []*positionSlot {
	ids := sortedKeys(mslot.positions)
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*positionSlot, 0, len(ids))
	for _, id := range ids {
		if s, ok := e.positions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// --- Variance swaps ---

func (e *Engine) withVariance(command, requestID, positionID string, now int64, fn func(p *position.Position, v *position.VarianceSwapData) ([]event.Event, error)) error {
	return e.run(command, requestID, func() error {
		slot, err := e.positionSlot(positionID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.variance == nil {
			return fmt.Errorf("%w: position %s has no variance swap", venue.ErrPositionNotFound, positionID)
		}

		p, v := slot.pos.Clone(), slot.variance.Clone()
		evts, err := fn(p, v)
		if err != nil {
			return err
		}
		recs := positionRecords(p)
		recs.VarianceSwaps = []*position.VarianceSwapData{v.Clone()}
		if err := e.emitter.emit(requestID, now, recs, evts...); err != nil {
			return err
		}
		wasOpen := slot.pos.IsOpen
		slot.pos, slot.variance = p, v
		if wasOpen && !p.IsOpen {
			e.release(p)
		}
		return nil
	})
}

// ObserveVariance folds a realized-variance sample into the swap.
func (e *Engine) ObserveVariance(req ObserveVarianceRequest) (*position.VarianceSwapData, error) {
	var out *position.VarianceSwapData
	err := e.withVariance("observe_variance", req.RequestID, req.PositionID, req.Now, func(p *position.Position, v *position.VarianceSwapData) ([]event.Event, error) {
		if err := v.Observe(req.Sample); err != nil {
			return nil, err
		}
		out = v.Clone()
		return []event.Event{&event.VarianceObserved{
			Market:           p.MarketID,
			PositionID:       p.ID,
			Sample:           req.Sample,
			RealizedVariance: v.RealizedVariance,
			ObservationCount: v.ObservationCount,
		}}, nil
	})
	return out, err
}

// SettleVarianceSwap fixes the variance payout once the settlement date has
// passed and closes the position at its entry price, releasing collateral.
// Amount is signed toward the long side; a short's result is its negation.
func (e *Engine) SettleVarianceSwap(req PositionRequest) (VarianceSettlement, error) {
	var out VarianceSettlement
	err := e.withVariance("settle_variance_swap", req.RequestID, req.PositionID, req.Now, func(p *position.Position, v *position.VarianceSwapData) ([]event.Event, error) {
		amount, err := v.Settle(req.Now)
		if err != nil {
			return nil, err
		}
		s, err := p.Close(p.EntryPrice, req.Now)
		if err != nil {
			return nil, err
		}
		out = VarianceSettlement{Amount: amount * p.Side.Sign(), Settlement: s}
		return []event.Event{&event.VarianceSwapSettled{
			Market:     p.MarketID,
			PositionID: p.ID,
			Owner:      p.Owner,
			Amount:     out.Amount,
			Settlement: s,
		}}, nil
	})
	return out, err
}

// --- Queries ---

// GetPosition returns a copy of a position, open or closed.
func (e *Engine) GetPosition(id string) (*position.Position, error) {
	slot, err := e.positionSlot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.pos.Clone(), nil
}

func (e *Engine) GetVarianceSwap(positionID string) (*position.VarianceSwapData, error) {
	slot, err := e.positionSlot(positionID)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.variance == nil {
		return nil, fmt.Errorf("%w: position %s has no variance swap", venue.ErrPositionNotFound, positionID)
	}
	return slot.variance.Clone(), nil
}

// PositionFor returns the owner's open position in a market.
func (e *Engine) PositionFor(owner, marketID string) (*position.Position, error) {
	e.mu.RLock()
	id, ok := e.openByKey[venue.PositionKey{Owner: owner, MarketID: marketID}]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", venue.ErrPositionNotFound, owner, marketID)
	}
	return e.GetPosition(id)
}

// OpenPositions returns the market's open positions sorted by id.
func (e *Engine) OpenPositions(marketID string) ([]*position.Position, error) {
	mslot, err := e.marketSlot(marketID)
	if err != nil {
		return nil, err
	}
	mslot.mu.Lock()
	slots := e.openSlots(mslot)
	mslot.mu.Unlock()

	out := make([]*position.Position, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.pos.IsOpen {
			out = append(out, s.pos.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LiquidatablePositions lists the ids of open positions below maintenance
// margin at price.
func (e *Engine) LiquidatablePositions(marketID string, price int64) ([]string, error) {
	positions, err := e.OpenPositions(marketID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range positions {
		if ok, err := p.IsLiquidatable(price); err == nil && ok {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// TriggeredPositions lists the ids of open positions whose take-profit or
// stop-loss is crossed at price.
func (e *Engine) TriggeredPositions(marketID string, price int64) ([]string, error) {
	positions, err := e.OpenPositions(marketID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range positions {
		if p.TriggeredExit(price) != position.CloseReasonNone {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}
