package event

import (
	"SecuritiesVenue/internal/pool"
)

// PoolInitialized carries the empty pool created for a market.
type PoolInitialized struct {
	Pool *pool.Pool `json:"pool"`
}

func (p *PoolInitialized) EventType() EventType {
	return EventTypePoolInitialized
}

func (p *PoolInitialized) MarketID() string {
	return p.Pool.MarketID
}

type PoolStatusChanged struct {
	Market   string `json:"market"`
	IsActive bool   `json:"is_active"`
}

func (p *PoolStatusChanged) EventType() EventType {
	return EventTypePoolStatusChanged
}

func (p *PoolStatusChanged) MarketID() string {
	return p.Market
}

// LiquidityAdded reports the LP tokens minted and the reserves after the
// deposit.
type LiquidityAdded struct {
	Market          string `json:"market"`
	Provider        string `json:"provider"`
	SecurityAmount  int64  `json:"security_amount"`
	QuoteAmount     int64  `json:"quote_amount"`
	LPMinted        int64  `json:"lp_minted"`
	LPSupply        int64  `json:"lp_supply"`
	SecurityReserve int64  `json:"security_reserve"`
	QuoteReserve    int64  `json:"quote_reserve"`
}

func (l *LiquidityAdded) EventType() EventType {
	return EventTypeLiquidityAdded
}

func (l *LiquidityAdded) MarketID() string {
	return l.Market
}

type LiquidityRemoved struct {
	Market          string `json:"market"`
	Provider        string `json:"provider"`
	LPBurned        int64  `json:"lp_burned"`
	SecurityOut     int64  `json:"security_out"`
	QuoteOut        int64  `json:"quote_out"`
	LPSupply        int64  `json:"lp_supply"`
	SecurityReserve int64  `json:"security_reserve"`
	QuoteReserve    int64  `json:"quote_reserve"`
}

func (l *LiquidityRemoved) EventType() EventType {
	return EventTypeLiquidityRemoved
}

func (l *LiquidityRemoved) MarketID() string {
	return l.Market
}

// SwapExecuted is a trade against the pool. Fee is in input units; Volume
// is quote-denominated.
type SwapExecuted struct {
	Market          string `json:"market"`
	Trader          string `json:"trader"`
	IsSecurityIn    bool   `json:"is_security_in"`
	AmountIn        int64  `json:"amount_in"`
	AmountOut       int64  `json:"amount_out"`
	Fee             int64  `json:"fee"`
	ProtocolFee     int64  `json:"protocol_fee"`
	Volume          int64  `json:"volume"`
	SecurityReserve int64  `json:"security_reserve"`
	QuoteReserve    int64  `json:"quote_reserve"`
	SpotPrice       int64  `json:"spot_price"`
	TWAP            int64  `json:"twap"`
}

func (s *SwapExecuted) EventType() EventType {
	return EventTypeSwapExecuted
}

func (s *SwapExecuted) MarketID() string {
	return s.Market
}
