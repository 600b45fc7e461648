package engine

import (
	"sort"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/venue"
)

// exposure returns the owner's signed open position size in a market,
// positive for long. The caller holds the market lock.
func (e *Engine) exposure(owner, marketID string) int64 {
	e.mu.RLock()
	id, ok := e.openByKey[venue.PositionKey{Owner: owner, MarketID: marketID}]
	slot := e.positions[id]
	e.mu.RUnlock()
	if !ok || slot == nil {
		return 0
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.pos.IsOpen {
		return 0
	}
	return slot.pos.Size * slot.pos.Side.Sign()
}

// commitOrders emits evts, stores the changed orders and refreshes the book
// summary. The caller holds the market lock.
func (e *Engine) commitOrders(slot *marketSlot, requestID string, now int64, changed map[string]*order.Order, book *order.Book, evts ...event.Event) error {
	book.Refresh(slot.orderList(changed), now)
	recs := &event.Records{Books: []*order.Book{book.Clone()}}
	for _, id := range sortedKeys(changed) {
		recs.Orders = append(recs.Orders, changed[id].Clone())
	}
	if err := e.emitter.emit(requestID, now, recs, evts...); err != nil {
		return err
	}
	for id, o := range changed {
		slot.orders[id] = o
		if e.metrics != nil {
			e.metrics.OrderTransitions.WithLabelValues(o.MarketID, o.Status.String()).Inc()
		}
	}
	slot.book = book
	return nil
}

// SubmitOrder places a new Open order on a trading market. Reduce-only
// orders are checked against the owner's open position.
func (e *Engine) SubmitOrder(req SubmitOrderRequest) (*order.Order, error) {
	var submitted *order.Order
	err := e.run("submit_order", req.RequestID, func() error {
		slot, err := e.marketSlot(req.MarketID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		o, err := order.Submit(slot.market, venue.NewID(), req.Params, req.Now)
		if err != nil {
			return err
		}
		if err := o.CheckReduceOnly(e.exposure(o.Owner, o.MarketID)); err != nil {
			return err
		}

		changed := map[string]*order.Order{o.ID: o}
		if err := e.commitOrders(slot, req.RequestID, req.Now, changed, slot.book.Clone(), &event.OrderSubmitted{Order: o.Clone()}); err != nil {
			return err
		}
		e.mu.Lock()
		e.orderMarket[o.ID] = o.MarketID
		e.mu.Unlock()

		submitted = o.Clone()
		return nil
	})
	return submitted, err
}

// FillOrder records an execution reported by the matcher.
func (e *Engine) FillOrder(req FillOrderRequest) (*order.Order, error) {
	var filled *order.Order
	err := e.run("fill_order", req.RequestID, func() error {
		slot, current, err := e.lockedOrder(req.OrderID)
		if err != nil {
			return err
		}
		defer slot.mu.Unlock()

		next := current.Clone()
		if err := next.CheckReduceOnly(e.exposure(next.Owner, next.MarketID)); err != nil {
			return err
		}
		if err := next.Fill(req.Amount, req.Price, req.Now); err != nil {
			return err
		}

		book := slot.book.Clone()
		book.RecordTrade(req.Price, req.Now)
		evt := &event.OrderFilled{
			Market:        next.MarketID,
			OrderID:       next.ID,
			Owner:         next.Owner,
			Amount:        req.Amount,
			Price:         req.Price,
			FilledSize:    next.FilledSize,
			RemainingSize: next.RemainingSize,
			AvgFillPrice:  next.AvgFillPrice,
			Status:        next.Status,
		}
		if err := e.commitOrders(slot, req.RequestID, req.Now, map[string]*order.Order{next.ID: next}, book, evt); err != nil {
			return err
		}
		filled = next.Clone()
		return nil
	})
	return filled, err
}

// CancelOrder cancels an active order.
func (e *Engine) CancelOrder(req OrderRequest) (*order.Order, error) {
	var cancelled *order.Order
	err := e.run("cancel_order", req.RequestID, func() error {
		slot, current, err := e.lockedOrder(req.OrderID)
		if err != nil {
			return err
		}
		defer slot.mu.Unlock()

		next := current.Clone()
		if err := next.Cancel(req.Now); err != nil {
			return err
		}
		evt := &event.OrderCancelled{Market: next.MarketID, OrderID: next.ID, Owner: next.Owner, RemainingSize: next.RemainingSize}
		if err := e.commitOrders(slot, req.RequestID, req.Now, map[string]*order.Order{next.ID: next}, slot.book.Clone(), evt); err != nil {
			return err
		}
		cancelled = next.Clone()
		return nil
	})
	return cancelled, err
}

// ExpireOrder moves one order past its expiry to Expired.
func (e *Engine) ExpireOrder(req OrderRequest) (*order.Order, error) {
	var expired *order.Order
	err := e.run("expire_order", req.RequestID, func() error {
		slot, current, err := e.lockedOrder(req.OrderID)
		if err != nil {
			return err
		}
		defer slot.mu.Unlock()

		next := current.Clone()
		if err := next.Expire(req.Now); err != nil {
			return err
		}
		if err := e.commitOrders(slot, req.RequestID, req.Now, map[string]*order.Order{next.ID: next}, slot.book.Clone(), expiredEvent(next)); err != nil {
			return err
		}
		expired = next.Clone()
		return nil
	})
	return expired, err
}

// ExpireOrders expires every active order of a market whose expiry has
// passed and returns their ids in order.
func (e *Engine) ExpireOrders(req MarketRequest) ([]string, error) {
	var ids []string
	err := e.run("expire_orders", req.RequestID, func() error {
		slot, err := e.marketSlot(req.MarketID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		changed := make(map[string]*order.Order)
		var evts []event.Event
		for _, id := range sortedKeys(slot.orders) {
			o := slot.orders[id]
			if !o.IsActive() || !o.IsExpired(req.Now) {
				continue
			}
			next := o.Clone()
			if err := next.Expire(req.Now); err != nil {
				return err
			}
			changed[id] = next
			evts = append(evts, expiredEvent(next))
			ids = append(ids, id)
		}
		if len(evts) == 0 {
			return nil
		}
		return e.commitOrders(slot, req.RequestID, req.Now, changed, slot.book.Clone(), evts...)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func expiredEvent(o *order.Order) *event.OrderExpired {
	return &event.OrderExpired{
		Market:        o.MarketID,
		OrderID:       o.ID,
		Owner:         o.Owner,
		RemainingSize: o.RemainingSize,
		ExpiresAt:     o.ExpiresAt,
	}
}

// --- Queries ---

func (e *Engine) GetOrder(id string) (*order.Order, error) {
	slot, o, err := e.lockedOrder(id)
	if err != nil {
		return nil, err
	}
	defer slot.mu.Unlock()
	return o.Clone(), nil
}

// Orders returns a market's orders sorted by creation time then id.
// activeOnly drops terminal orders.
func (e *Engine) Orders(marketID string, activeOnly bool) ([]*order.Order, error) {
	slot, err := e.marketSlot(marketID)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	out := make([]*order.Order, 0, len(slot.orders))
	for _, o := range slot.orders {
		if activeOnly && !o.IsActive() {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MatchableOrders returns the ids of active orders that would execute at
// price.
func (e *Engine) MatchableOrders(marketID string, price int64) ([]string, error) {
	orders, err := e.Orders(marketID, true)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, o := range orders {
		if o.CanMatch(price) {
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}
