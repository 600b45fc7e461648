// Package pool implements the constant-product liquidity pool bound to a
// market: reserves, LP supply, per-side fee accumulators and the TWAP
// accumulator.
//
// Every mutating call validates and computes first, then commits, so a
// rejected call leaves the pool and its market untouched.
package pool

import (
	"fmt"
	"math"

	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

// Pool is 1:1 with a market and addressed by the market symbol.
type Pool struct {
	MarketID string `json:"market_id"`

	SecurityReserve int64 `json:"security_reserve"`
	QuoteReserve    int64 `json:"quote_reserve"`
	LPSupply        int64 `json:"lp_supply"`

	// Fees retained in the reserves, per input side.
	SecurityFees int64 `json:"security_fees"`
	QuoteFees    int64 `json:"quote_fees"`

	// Protocol cut of the fees above.
	SecurityProtocolFees int64 `json:"security_protocol_fees"`
	QuoteProtocolFees    int64 `json:"quote_protocol_fees"`

	CumulativePrice fpmath.Uint128 `json:"cumulative_price"`
	TWAP            int64          `json:"twap"`
	LastUpdate      int64          `json:"twap_last_update"`
	CreatedAt       int64          `json:"created_at"`

	KLast fpmath.Uint128 `json:"k_last"`

	// LockedLiquidity is the LP minted to nobody on the first deposit.
	LockedLiquidity  int64 `json:"locked_liquidity"`
	MinimumLiquidity int64 `json:"minimum_liquidity"`

	IsActive bool `json:"is_active"`
}

// Initialize creates an empty, active pool for a market. minimumLiquidity is
// the LP amount locked on the first deposit; 0 disables the lock.
func Initialize(marketID string, minimumLiquidity, now int64) (*Pool, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: market id required", venue.ErrInvalidParams)
	}
	if minimumLiquidity < 0 {
		return nil, fmt.Errorf("%w: minimum liquidity %d", venue.ErrInvalidParams, minimumLiquidity)
	}
	return &Pool{
		MarketID:         marketID,
		LastUpdate:       now,
		CreatedAt:        now,
		MinimumLiquidity: minimumLiquidity,
		IsActive:         true,
	}, nil
}

// SpotPrice returns floor(quote * 1e6 / security), or 0 for an empty pool.
// The result saturates at MaxInt64.
func (p *Pool) SpotPrice() int64 {
	if p.SecurityReserve <= 0 {
		return 0
	}
	price, err := fpmath.MulDiv(p.QuoteReserve, fpmath.PricePrecision, p.SecurityReserve)
	if err != nil {
		return math.MaxInt64
	}
	return price
}

// K returns the current reserve product.
func (p *Pool) K() fpmath.Uint128 {
	return fpmath.ProductUint128(p.SecurityReserve, p.QuoteReserve)
}

// checkClock rejects a mutation stamped before the pool's last update.
func (p *Pool) checkClock(now int64) error {
	if now < p.LastUpdate {
		return fmt.Errorf("%w: time %d precedes pool %s update at %d", venue.ErrInvalidParams, now, p.MarketID, p.LastUpdate)
	}
	return nil
}

// accrueTWAP integrates the current spot price over the time since the last
// update. Mutations call it after the reserves change, so the interval is
// priced at the post-trade spot. An empty pool is skipped and its last
// update is left in place.
func (p *Pool) accrueTWAP(now int64) {
	elapsed := now - p.LastUpdate
	if elapsed <= 0 || p.SecurityReserve == 0 {
		return
	}

	p.CumulativePrice = p.CumulativePrice.SaturatingAdd(fpmath.ProductUint128(p.SpotPrice(), elapsed))
	if age := now - p.CreatedAt; age > 0 {
		if twap, err := p.CumulativePrice.DivInt64(age); err == nil {
			p.TWAP = twap
		}
	}
	p.LastUpdate = now
}

// RefreshTWAP brings the accumulator up to now without a reserve change.
func (p *Pool) RefreshTWAP(now int64) {
	p.accrueTWAP(now)
}

func (p *Pool) SetActive(active bool) {
	p.IsActive = active
}

func (p *Pool) Clone() *Pool {
	c := *p
	return &c
}
