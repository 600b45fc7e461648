package engine

import (
	"fmt"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/pool"
	"SecuritiesVenue/internal/venue"
)

// CreateMarket registers a new Active market. Symbols are unique.
func (e *Engine) CreateMarket(req CreateMarketRequest) (*market.Market, error) {
	var created *market.Market
	err := e.run("create_market", req.RequestID, func() error {
		m, err := market.Create(req.Params, req.Now)
		if err != nil {
			return err
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if _, exists := e.markets[m.Symbol]; exists {
			return fmt.Errorf("%w: %s", venue.ErrMarketExists, m.Symbol)
		}
		book := order.NewBook(m.Symbol)
		recs := &event.Records{Markets: []*market.Market{m.Clone()}, Books: []*order.Book{book.Clone()}}
		if err := e.emitter.emit(req.RequestID, req.Now, recs, &event.MarketCreated{Market: m.Clone()}); err != nil {
			return err
		}
		e.markets[m.Symbol] = newMarketSlot(m, book)
		created = m.Clone()
		return nil
	})
	return created, err
}

// updateMarket applies fn to a copy of the market and commits it together
// with the events fn returns.
func (e *Engine) updateMarket(command, requestID, marketID string, now int64, fn func(m *market.Market) ([]event.Event, error)) (*market.Market, error) {
	var updated *market.Market
	err := e.run(command, requestID, func() error {
		slot, err := e.marketSlot(marketID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		next := slot.market.Clone()
		evts, err := fn(next)
		if err != nil {
			return err
		}
		if err := e.emitter.emit(requestID, now, &event.Records{Markets: []*market.Market{next.Clone()}}, evts...); err != nil {
			return err
		}
		slot.market = next
		updated = next.Clone()
		return nil
	})
	return updated, err
}

func (e *Engine) transitionMarket(command string, req MarketRequest, apply func(m *market.Market, now int64) error) (*market.Market, error) {
	return e.updateMarket(command, req.RequestID, req.MarketID, req.Now, func(m *market.Market) ([]event.Event, error) {
		from := m.Status
		if err := apply(m, req.Now); err != nil {
			return nil, err
		}
		return []event.Event{&event.MarketStatusChanged{Market: m.Symbol, From: from, To: m.Status, IsActive: m.IsActive}}, nil
	})
}

func (e *Engine) PauseMarket(req MarketRequest) (*market.Market, error) {
	return e.transitionMarket("pause_market", req, (*market.Market).Pause)
}

func (e *Engine) ResumeMarket(req MarketRequest) (*market.Market, error) {
	return e.transitionMarket("resume_market", req, (*market.Market).Resume)
}

func (e *Engine) BeginSettlement(req MarketRequest) (*market.Market, error) {
	return e.transitionMarket("begin_settlement", req, (*market.Market).BeginSettlement)
}

func (e *Engine) CloseMarket(req MarketRequest) (*market.Market, error) {
	return e.transitionMarket("close_market", req, (*market.Market).Close)
}

// SetMarketActive toggles the market's activity flag without changing its
// status.
func (e *Engine) SetMarketActive(req SetActiveRequest) (*market.Market, error) {
	return e.updateMarket("set_market_active", req.RequestID, req.MarketID, req.Now, func(m *market.Market) ([]event.Event, error) {
		m.SetActive(req.Active, req.Now)
		return []event.Event{&event.MarketStatusChanged{Market: m.Symbol, From: m.Status, To: m.Status, IsActive: m.IsActive}}, nil
	})
}

func (e *Engine) UpdateFees(req UpdateFeesRequest) (*market.Market, error) {
	return e.updateMarket("update_fees", req.RequestID, req.MarketID, req.Now, func(m *market.Market) ([]event.Event, error) {
		if err := m.UpdateFees(req.TradingFeeBps, req.ProtocolFeeBps, req.Now); err != nil {
			return nil, err
		}
		return []event.Event{&event.MarketFeesUpdated{Market: m.Symbol, TradingFeeBps: m.TradingFeeBps, ProtocolFeeBps: m.ProtocolFeeBps}}, nil
	})
}

// --- Pools ---

// InitializePool creates the market's empty pool.
func (e *Engine) InitializePool(req MarketRequest) (*pool.Pool, error) {
	var created *pool.Pool
	err := e.run("initialize_pool", req.RequestID, func() error {
		slot, err := e.marketSlot(req.MarketID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		if slot.pool != nil {
			return fmt.Errorf("%w: pool for %s already initialized", venue.ErrMarketExists, req.MarketID)
		}
		p, err := pool.Initialize(slot.market.Symbol, e.minimumLiquidity, req.Now)
		if err != nil {
			return err
		}
		if err := e.emitter.emit(req.RequestID, req.Now, &event.Records{Pools: []*pool.Pool{p.Clone()}}, &event.PoolInitialized{Pool: p.Clone()}); err != nil {
			return err
		}
		slot.pool = p
		created = p.Clone()
		return nil
	})
	return created, err
}

// withPool runs fn on copies of the market and its pool and commits both
// when fn succeeds.
func (e *Engine) withPool(command, requestID, marketID string, now int64, fn func(m *market.Market, p *pool.Pool) ([]event.Event, error)) error {
	return e.run(command, requestID, func() error {
		slot, err := e.marketSlot(marketID)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()

		if slot.pool == nil {
			return fmt.Errorf("%w: market %s has no pool", venue.ErrPoolNotActive, marketID)
		}
		m, p := slot.market.Clone(), slot.pool.Clone()
		evts, err := fn(m, p)
		if err != nil {
			return err
		}
		recs := &event.Records{Markets: []*market.Market{m.Clone()}, Pools: []*pool.Pool{p.Clone()}}
		if err := e.emitter.emit(requestID, now, recs, evts...); err != nil {
			return err
		}
		slot.market, slot.pool = m, p
		e.observePool(p)
		return nil
	})
}

func (e *Engine) SetPoolActive(req SetActiveRequest) error {
	return e.withPool("set_pool_active", req.RequestID, req.MarketID, req.Now, func(m *market.Market, p *pool.Pool) ([]event.Event, error) {
		p.SetActive(req.Active)
		return []event.Event{&event.PoolStatusChanged{Market: p.MarketID, IsActive: p.IsActive}}, nil
	})
}

// AddLiquidity deposits both assets and returns the LP minted.
func (e *Engine) AddLiquidity(req AddLiquidityRequest) (int64, error) {
	var minted int64
	err := e.withPool("add_liquidity", req.RequestID, req.MarketID, req.Now, func(m *market.Market, p *pool.Pool) ([]event.Event, error) {
		lp, err := p.AddLiquidity(req.SecurityAmount, req.QuoteAmount, req.MinLPOut, req.Now)
		if err != nil {
			return nil, err
		}
		minted = lp
		if e.metrics != nil {
			e.metrics.LiquidityEvents.WithLabelValues(p.MarketID, "add").Inc()
		}
		return []event.Event{&event.LiquidityAdded{
			Market:          p.MarketID,
			Provider:        req.Provider,
			SecurityAmount:  req.SecurityAmount,
			QuoteAmount:     req.QuoteAmount,
			LPMinted:        lp,
			LPSupply:        p.LPSupply,
			SecurityReserve: p.SecurityReserve,
			QuoteReserve:    p.QuoteReserve,
		}}, nil
	})
	return minted, err
}

// RemoveLiquidity burns LP tokens and returns the released reserves. LP
// ownership is held by the custody layer.
func (e *Engine) RemoveLiquidity(req RemoveLiquidityRequest) (RemoveLiquidityResult, error) {
	var res RemoveLiquidityResult
	err := e.withPool("remove_liquidity", req.RequestID, req.MarketID, req.Now, func(m *market.Market, p *pool.Pool) ([]event.Event, error) {
		sec, quote, err := p.RemoveLiquidity(req.LPAmount, req.Now)
		if err != nil {
			return nil, err
		}
		res = RemoveLiquidityResult{SecurityOut: sec, QuoteOut: quote}
		if e.metrics != nil {
			e.metrics.LiquidityEvents.WithLabelValues(p.MarketID, "remove").Inc()
		}
		return []event.Event{&event.LiquidityRemoved{
			Market:          p.MarketID,
			Provider:        req.Provider,
			LPBurned:        req.LPAmount,
			SecurityOut:     sec,
			QuoteOut:        quote,
			LPSupply:        p.LPSupply,
			SecurityReserve: p.SecurityReserve,
			QuoteReserve:    p.QuoteReserve,
		}}, nil
	})
	return res, err
}

// Swap trades against the market's pool.
func (e *Engine) Swap(req SwapRequest) (pool.SwapResult, error) {
	var res pool.SwapResult
	err := e.withPool("swap", req.RequestID, req.MarketID, req.Now, func(m *market.Market, p *pool.Pool) ([]event.Event, error) {
		r, err := p.Swap(m, req.AmountIn, req.MinAmountOut, req.IsSecurityIn, req.Now)
		if err != nil {
			return nil, err
		}
		res = r
		if e.metrics != nil {
			side := "quote"
			if req.IsSecurityIn {
				side = "security"
			}
			e.metrics.SwapVolume.WithLabelValues(p.MarketID).Add(float64(r.Volume))
			e.metrics.SwapFees.WithLabelValues(p.MarketID, side).Add(float64(r.Fee))
		}
		return []event.Event{&event.SwapExecuted{
			Market:          p.MarketID,
			Trader:          req.Trader,
			IsSecurityIn:    req.IsSecurityIn,
			AmountIn:        req.AmountIn,
			AmountOut:       r.AmountOut,
			Fee:             r.Fee,
			ProtocolFee:     r.ProtocolFee,
			Volume:          r.Volume,
			SecurityReserve: p.SecurityReserve,
			QuoteReserve:    p.QuoteReserve,
			SpotPrice:       p.SpotPrice(),
			TWAP:            p.TWAP,
		}}, nil
	})
	return res, err
}

// Quote previews a swap without mutating anything.
func (e *Engine) Quote(req QuoteRequest) (QuoteResult, error) {
	slot, err := e.marketSlot(req.MarketID)
	if err != nil {
		return QuoteResult{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.pool == nil {
		return QuoteResult{}, fmt.Errorf("%w: market %s has no pool", venue.ErrPoolNotActive, req.MarketID)
	}
	res, err := slot.pool.Quote(slot.market, req.AmountIn, req.IsSecurityIn)
	if err != nil {
		return QuoteResult{}, err
	}
	impact, ok := slot.pool.CalculatePriceImpact(req.AmountIn, req.IsSecurityIn)
	return QuoteResult{SwapResult: res, PriceImpactBps: impact, ImpactAvailable: ok}, nil
}

func (e *Engine) observePool(p *pool.Pool) {
	if e.metrics == nil {
		return
	}
	e.metrics.PoolReserve.WithLabelValues(p.MarketID, "security").Set(float64(p.SecurityReserve))
	e.metrics.PoolReserve.WithLabelValues(p.MarketID, "quote").Set(float64(p.QuoteReserve))
	e.metrics.PoolTWAP.WithLabelValues(p.MarketID).Set(float64(p.TWAP))
}

// --- Queries ---

func (e *Engine) GetMarket(id string) (*market.Market, error) {
	slot, err := e.marketSlot(id)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.market.Clone(), nil
}

// ListMarkets returns every market ordered by symbol.
func (e *Engine) ListMarkets() []*market.Market {
	e.mu.RLock()
	slots := make([]*marketSlot, 0, len(e.markets))
	for _, id := range sortedKeys(e.markets) {
		slots = append(slots, e.markets[id])
	}
	e.mu.RUnlock()

	out := make([]*market.Market, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		out = append(out, slot.market.Clone())
		slot.mu.Unlock()
	}
	return out
}

// GetPool returns the market's pool with its TWAP brought up to now. The
// refresh is not committed.
func (e *Engine) GetPool(marketID string, now int64) (*pool.Pool, error) {
	slot, err := e.marketSlot(marketID)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.pool == nil {
		return nil, fmt.Errorf("%w: market %s has no pool", venue.ErrPoolNotActive, marketID)
	}
	p := slot.pool.Clone()
	if now > 0 {
		p.RefreshTWAP(now)
	}
	return p, nil
}

func (e *Engine) GetBook(marketID string) (*order.Book, error) {
	slot, err := e.marketSlot(marketID)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.book.Clone(), nil
}

// MarketIDs returns every market symbol, sorted.
func (e *Engine) MarketIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.markets)
}
