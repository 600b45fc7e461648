package engine

import (
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/pool"
	"SecuritiesVenue/internal/position"
)

// Every mutating request carries an optional RequestID used for dedup and
// Now, the caller's unix-seconds clock. The engine never reads the wall
// clock for state.

type CreateMarketRequest struct {
	RequestID string        `json:"request_id"`
	Now       int64         `json:"now" validate:"gt=0"`
	Params    market.Params `json:"params"`
}

type MarketRequest struct {
	RequestID string `json:"request_id"`
	Now       int64  `json:"now" validate:"gt=0"`
	MarketID  string `json:"market_id" validate:"required,max=10"`
}

type SetActiveRequest struct {
	RequestID string `json:"request_id"`
	Now       int64  `json:"now" validate:"gt=0"`
	MarketID  string `json:"market_id" validate:"required,max=10"`
	Active    bool   `json:"active"`
}

type UpdateFeesRequest struct {
	RequestID      string `json:"request_id"`
	Now            int64  `json:"now" validate:"gt=0"`
	MarketID       string `json:"market_id" validate:"required,max=10"`
	TradingFeeBps  int64  `json:"trading_fee_bps" validate:"gt=0,lte=10000"`
	ProtocolFeeBps int64  `json:"protocol_fee_bps" validate:"gte=0,lte=10000"`
}

type AddLiquidityRequest struct {
	RequestID      string `json:"request_id"`
	Now            int64  `json:"now" validate:"gt=0"`
	MarketID       string `json:"market_id" validate:"required,max=10"`
	Provider       string `json:"provider" validate:"required"`
	SecurityAmount int64  `json:"security_amount" validate:"gt=0"`
	QuoteAmount    int64  `json:"quote_amount" validate:"gt=0"`
	MinLPOut       int64  `json:"min_lp_out" validate:"gte=0"`
}

type RemoveLiquidityRequest struct {
	RequestID string `json:"request_id"`
	Now       int64  `json:"now" validate:"gt=0"`
	MarketID  string `json:"market_id" validate:"required,max=10"`
	Provider  string `json:"provider" validate:"required"`
	LPAmount  int64  `json:"lp_amount" validate:"gt=0"`
}

type RemoveLiquidityResult struct {
	SecurityOut int64 `json:"security_out"`
	QuoteOut    int64 `json:"quote_out"`
}

type SwapRequest struct {
	RequestID    string `json:"request_id"`
	Now          int64  `json:"now" validate:"gt=0"`
	MarketID     string `json:"market_id" validate:"required,max=10"`
	Trader       string `json:"trader" validate:"required"`
	AmountIn     int64  `json:"amount_in" validate:"gt=0"`
	MinAmountOut int64  `json:"min_amount_out" validate:"gte=0"`
	IsSecurityIn bool   `json:"is_security_in"`
}

type QuoteRequest struct {
	MarketID     string `json:"market_id" validate:"required,max=10"`
	AmountIn     int64  `json:"amount_in" validate:"gt=0"`
	IsSecurityIn bool   `json:"is_security_in"`
}

// QuoteResult previews a swap. ImpactAvailable is false when the pool has no
// spot price.
type QuoteResult struct {
	pool.SwapResult
	PriceImpactBps  int64 `json:"price_impact_bps"`
	ImpactAvailable bool  `json:"impact_available"`
}

type OpenPositionRequest struct {
	RequestID string              `json:"request_id"`
	Now       int64               `json:"now" validate:"gt=0"`
	MarketID  string              `json:"market_id" validate:"required,max=10"`
	Params    position.OpenParams `json:"params"`
}

// PositionPriceRequest closes, liquidates or exits a position at Price.
type PositionPriceRequest struct {
	RequestID  string `json:"request_id"`
	Now        int64  `json:"now" validate:"gt=0"`
	PositionID string `json:"position_id" validate:"required"`
	Price      int64  `json:"price" validate:"gt=0"`
}

type FundingRequest struct {
	RequestID  string `json:"request_id"`
	Now        int64  `json:"now" validate:"gt=0"`
	PositionID string `json:"position_id" validate:"required"`
	Rate       int64  `json:"rate"`
}

type MarketFundingRequest struct {
	RequestID string `json:"request_id"`
	Now       int64  `json:"now" validate:"gt=0"`
	MarketID  string `json:"market_id" validate:"required,max=10"`
	Rate      int64  `json:"rate"`
}

type OpenVarianceSwapRequest struct {
	RequestID      string              `json:"request_id"`
	Now            int64               `json:"now" validate:"gt=0"`
	MarketID       string              `json:"market_id" validate:"required,max=10"`
	Params         position.OpenParams `json:"params"`
	StrikeVariance int64               `json:"strike_variance" validate:"gte=0"`
	Notional       int64               `json:"notional" validate:"gt=0"`
	SettlementDate int64               `json:"settlement_date" validate:"gt=0"`
}

type ObserveVarianceRequest struct {
	RequestID  string `json:"request_id"`
	Now        int64  `json:"now" validate:"gt=0"`
	PositionID string `json:"position_id" validate:"required"`
	Sample     int64  `json:"sample" validate:"gte=0"`
}

type PositionRequest struct {
	RequestID  string `json:"request_id"`
	Now        int64  `json:"now" validate:"gt=0"`
	PositionID string `json:"position_id" validate:"required"`
}

type VarianceSettlement struct {
	Amount     int64               `json:"amount"`
	Settlement position.Settlement `json:"settlement"`
}

type SubmitOrderRequest struct {
	RequestID string             `json:"request_id"`
	Now       int64              `json:"now" validate:"gt=0"`
	MarketID  string             `json:"market_id" validate:"required,max=10"`
	Params    order.SubmitParams `json:"params"`
}

type FillOrderRequest struct {
	RequestID string `json:"request_id"`
	Now       int64  `json:"now" validate:"gt=0"`
	OrderID   string `json:"order_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Price     int64  `json:"price" validate:"gt=0"`
}

type OrderRequest struct {
	RequestID string `json:"request_id"`
	Now       int64  `json:"now" validate:"gt=0"`
	OrderID   string `json:"order_id" validate:"required"`
}
