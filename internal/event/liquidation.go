package event

import (
	"SecuritiesVenue/internal/position"
)

type PositionOpened struct {
	Position *position.Position `json:"position"`
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) MarketID() string {
	return p.Position.MarketID
}

// PositionClosed covers voluntary closes and take-profit / stop-loss exits.
type PositionClosed struct {
	Market     string               `json:"market"`
	PositionID string               `json:"position_id"`
	Owner      string               `json:"owner"`
	Price      int64                `json:"price"`
	Reason     position.CloseReason `json:"reason"`
	Settlement position.Settlement  `json:"settlement"`
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) MarketID() string {
	return p.Market
}

// PositionLiquidated is a forced close below maintenance margin. A non-zero
// Settlement.Deficit is bad debt the custody layer must absorb.
type PositionLiquidated struct {
	Market           string              `json:"market"`
	PositionID       string              `json:"position_id"`
	Owner            string              `json:"owner"`
	Price            int64               `json:"price"`
	LiquidationPrice int64               `json:"liquidation_price"`
	Settlement       position.Settlement `json:"settlement"`
}

func (p *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (p *PositionLiquidated) MarketID() string {
	return p.Market
}

type VarianceSwapCreated struct {
	Market string                     `json:"market"`
	Swap   *position.VarianceSwapData `json:"swap"`
}

func (v *VarianceSwapCreated) EventType() EventType {
	return EventTypeVarianceSwapCreated
}

func (v *VarianceSwapCreated) MarketID() string {
	return v.Market
}

type VarianceObserved struct {
	Market           string `json:"market"`
	PositionID       string `json:"position_id"`
	Sample           int64  `json:"sample"`
	RealizedVariance int64  `json:"realized_variance"`
	ObservationCount int64  `json:"observation_count"`
}

func (v *VarianceObserved) EventType() EventType {
	return EventTypeVarianceObserved
}

func (v *VarianceObserved) MarketID() string {
	return v.Market
}

// VarianceSwapSettled reports the signed variance payout (positive to the
// long side) and the collateral released by closing the position.
type VarianceSwapSettled struct {
	Market     string              `json:"market"`
	PositionID string              `json:"position_id"`
	Owner      string              `json:"owner"`
	Amount     int64               `json:"amount"`
	Settlement position.Settlement `json:"settlement"`
}

func (v *VarianceSwapSettled) EventType() EventType {
	return EventTypeVarianceSwapSettled
}

func (v *VarianceSwapSettled) MarketID() string {
	return v.Market
}
