// Package position implements leveraged positions: perpetuals, funding swaps
// and variance swaps. Margin, PnL and funding are fixed-point: prices ×1e6,
// ratios in basis points.
package position

import (
	"fmt"
	"math"

	"SecuritiesVenue/internal/market"
	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

const (
	MinLeverage int64 = 1
	MaxLeverage int64 = 100

	// MaintenanceMarginBps is the minimum equity, as a share of size, before
	// a position can be liquidated.
	MaintenanceMarginBps int64 = 500
)

type PositionType int32

const (
	TypePerpetual PositionType = iota
	TypeVarianceSwap
	TypeFundingSwap
)

func (t PositionType) String() string {
	switch t {
	case TypePerpetual:
		return "Perpetual"
	case TypeVarianceSwap:
		return "VarianceSwap"
	case TypeFundingSwap:
		return "FundingSwap"
	default:
		return "Unknown"
	}
}

func ParsePositionType(s string) (PositionType, error) {
	for t := TypePerpetual; t <= TypeFundingSwap; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown position type %q", venue.ErrInvalidParams, s)
}

type Side int32

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "Long", "long":
		return SideLong, nil
	case "Short", "short":
		return SideShort, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", venue.ErrInvalidParams, s)
}

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

type CloseReason int32

const (
	CloseReasonNone CloseReason = iota
	CloseReasonVoluntary
	CloseReasonLiquidation
	CloseReasonTakeProfit
	CloseReasonStopLoss
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "None"
	case CloseReasonVoluntary:
		return "Voluntary"
	case CloseReasonLiquidation:
		return "Liquidation"
	case CloseReasonTakeProfit:
		return "TakeProfit"
	case CloseReasonStopLoss:
		return "StopLoss"
	default:
		return "Unknown"
	}
}

// OpenParams carries a trader's open request. TakeProfit and StopLoss are
// trigger prices; 0 disables them.
type OpenParams struct {
	Owner      string       `json:"owner"`
	Type       PositionType `json:"position_type"`
	Side       Side         `json:"side"`
	Size       int64        `json:"size"`
	EntryPrice int64        `json:"entry_price"`
	Leverage   int64        `json:"leverage"`
	Collateral int64        `json:"collateral"`
	TakeProfit int64        `json:"take_profit"`
	StopLoss   int64        `json:"stop_loss"`
}

// Position is one owner's exposure in one market.
type Position struct {
	ID                 string       `json:"id"`
	Owner              string       `json:"owner"`
	MarketID           string       `json:"market_id"`
	Type               PositionType `json:"position_type"`
	Side               Side         `json:"side"`
	Size               int64        `json:"size"`
	EntryPrice         int64        `json:"entry_price"`
	Leverage           int64        `json:"leverage"`
	Collateral         int64        `json:"collateral"`
	AccumulatedFunding int64        `json:"accumulated_funding"`
	FundingCarry       int64        `json:"funding_carry"`
	LastFundingUpdate  int64        `json:"last_funding_update"`
	// LiquidationPrice is fixed at open. Later funding does not move it.
	LiquidationPrice int64       `json:"liquidation_price"`
	TakeProfit       int64       `json:"take_profit"`
	StopLoss         int64       `json:"stop_loss"`
	IsOpen           bool        `json:"is_open"`
	RealizedPnL      int64       `json:"realized_pnl"`
	CloseReason      CloseReason `json:"close_reason"`
	CreatedAt        int64       `json:"created_at"`
	UpdatedAt        int64       `json:"updated_at"`
}

// Key addresses the position by (owner, market).
func (p *Position) Key() venue.PositionKey {
	return venue.PositionKey{Owner: p.Owner, MarketID: p.MarketID}
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// RequiredCollateral returns floor(size / leverage).
func RequiredCollateral(size, leverage int64) (int64, error) {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return 0, fmt.Errorf("%w: leverage %d outside [%d, %d]", venue.ErrInvalidLeverage, leverage, MinLeverage, MaxLeverage)
	}
	return size / leverage, nil
}

// MaintenanceMargin returns floor(size * 500 / 10000).
func MaintenanceMargin(size int64) int64 {
	mm, err := fpmath.MulDiv(size, MaintenanceMarginBps, fpmath.BasisPoints)
	if err != nil {
		return math.MaxInt64
	}
	return mm
}

// Open validates a request against the market and creates an open
// position.
func Open(m *market.Market, id string, p OpenParams, now int64) (*Position, error) {
	if !m.IsTrading() {
		return nil, fmt.Errorf("%w: market %s is %s", venue.ErrMarketNotActive, m.Symbol, m.Status)
	}
	if !m.IsDerivative() {
		return nil, fmt.Errorf("%w: %s market %s does not carry positions", venue.ErrInvalidParams, m.Type, m.Symbol)
	}
	if p.Owner == "" {
		return nil, fmt.Errorf("%w: owner required", venue.ErrInvalidParams)
	}
	if p.Type < TypePerpetual || p.Type > TypeFundingSwap || p.Side < SideLong || p.Side > SideShort {
		return nil, fmt.Errorf("%w: type %d side %d", venue.ErrInvalidParams, p.Type, p.Side)
	}
	if p.Size <= 0 || p.EntryPrice <= 0 || p.Collateral < 0 || p.TakeProfit < 0 || p.StopLoss < 0 {
		return nil, fmt.Errorf("%w: size %d entry %d collateral %d", venue.ErrInvalidAmount, p.Size, p.EntryPrice, p.Collateral)
	}

	required, err := RequiredCollateral(p.Size, p.Leverage)
	if err != nil {
		return nil, err
	}
	if p.Collateral < required {
		return nil, fmt.Errorf("%w: collateral %d below required %d", venue.ErrInsufficientCollateral, p.Collateral, required)
	}

	pos := &Position{
		ID:                id,
		Owner:             p.Owner,
		MarketID:          m.Symbol,
		Type:              p.Type,
		Side:              p.Side,
		Size:              p.Size,
		EntryPrice:        p.EntryPrice,
		Leverage:          p.Leverage,
		Collateral:        p.Collateral,
		LastFundingUpdate: now,
		TakeProfit:        p.TakeProfit,
		StopLoss:          p.StopLoss,
		IsOpen:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	pos.LiquidationPrice = pos.computeLiquidationPrice()
	return pos, nil
}

// computeLiquidationPrice returns the price at which equity at entry falls to
// the maintenance margin:
//
//	move = (collateral - mm) * 1e6 / size
//	long:  entry - move
//	short: entry + move
//
// clamped to [0, MaxInt64].
func (p *Position) computeLiquidationPrice() int64 {
	maxLoss := p.Collateral - MaintenanceMargin(p.Size)

	move, err := fpmath.MulDiv(maxLoss, fpmath.PricePrecision, p.Size)
	if err != nil {
		if maxLoss < 0 {
			move = math.MinInt64
		} else {
			move = math.MaxInt64
		}
	}

	var price int64
	if p.Side == SideLong {
		price = fpmath.SaturatingAdd(p.EntryPrice, -max(move, -math.MaxInt64))
	} else {
		price = fpmath.SaturatingAdd(p.EntryPrice, move)
	}
	return max(price, 0)
}

// UnrealizedPnL is the price component of PnL, excluding funding.
func (p *Position) UnrealizedPnL(price int64) (int64, error) {
	diff := price - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	raw, err := fpmath.MulDiv(p.Size, diff, fpmath.PricePrecision)
	return raw, venue.MathErr(err)
}

// PnL nets accumulated funding into the price PnL at price.
func (p *Position) PnL(price int64) (int64, error) {
	raw, err := p.UnrealizedPnL(price)
	if err != nil {
		return 0, err
	}
	total, err := fpmath.CheckedAdd(raw, p.AccumulatedFunding)
	return total, venue.MathErr(err)
}

// Equity is collateral plus PnL at price.
func (p *Position) Equity(price int64) (int64, error) {
	pnl, err := p.PnL(price)
	if err != nil {
		return 0, err
	}
	equity, err := fpmath.CheckedAdd(p.Collateral, pnl)
	return equity, venue.MathErr(err)
}

// IsLiquidatable reports whether equity at price is below maintenance
// margin. Callers supply fresh prices; nothing here polls.
func (p *Position) IsLiquidatable(price int64) (bool, error) {
	equity, err := p.Equity(price)
	if err != nil {
		return false, err
	}
	return equity < MaintenanceMargin(p.Size), nil
}

// MarginRatio returns max(equity, 0) * 10000 / size, or 10000 for a zero
// size.
func (p *Position) MarginRatio(price int64) (int64, error) {
	if p.Size == 0 {
		return fpmath.BasisPoints, nil
	}
	equity, err := p.Equity(price)
	if err != nil {
		return 0, err
	}
	ratio, err := fpmath.MulDiv(max(equity, 0), fpmath.BasisPoints, p.Size)
	return ratio, venue.MathErr(err)
}

// ApplyFunding accrues funding at a per-8h rate for the time since the last
// update and returns the signed change to accumulated funding. Longs pay a
// positive rate and shorts receive it. Remainders carry to the next call so
// accrual does not depend on call spacing.
func (p *Position) ApplyFunding(rate, now int64) (int64, error) {
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: position %s is closed", venue.ErrPositionNotFound, p.ID)
	}
	elapsed := now - p.LastFundingUpdate
	if elapsed <= 0 {
		return 0, nil
	}

	funding, carry, err := fpmath.ComputeFundingAccrual(p.Size, rate, elapsed, p.FundingCarry)
	if err != nil {
		return 0, venue.MathErr(err)
	}
	delta := -funding * p.Side.Sign()

	accumulated, err := fpmath.CheckedAdd(p.AccumulatedFunding, delta)
	if err != nil {
		return 0, venue.MathErr(err)
	}

	p.AccumulatedFunding = accumulated
	p.FundingCarry = carry
	p.LastFundingUpdate = now
	p.UpdatedAt = now
	return delta, nil
}

// Settlement is the outcome of closing a position. Payout is the collateral
// released to the owner; Deficit is the loss beyond posted collateral.
type Settlement struct {
	PnL     int64 `json:"pnl"`
	Payout  int64 `json:"payout"`
	Deficit int64 `json:"deficit"`
}

func (p *Position) settle(price, now int64, reason CloseReason) (Settlement, error) {
	if !p.IsOpen {
		return Settlement{}, fmt.Errorf("%w: position %s is closed", venue.ErrPositionNotFound, p.ID)
	}
	pnl, err := p.PnL(price)
	if err != nil {
		return Settlement{}, err
	}
	equity, err := fpmath.CheckedAdd(p.Collateral, pnl)
	if err != nil {
		return Settlement{}, venue.MathErr(err)
	}

	s := Settlement{PnL: pnl}
	if equity > 0 {
		s.Payout = equity
	} else {
		s.Deficit = -equity
	}

	p.RealizedPnL = pnl
	p.IsOpen = false
	p.CloseReason = reason
	p.UpdatedAt = now
	return s, nil
}

// Close realizes PnL at price and releases what remains of the collateral.
func (p *Position) Close(price, now int64) (Settlement, error) {
	return p.settle(price, now, CloseReasonVoluntary)
}

// Liquidate closes a position whose equity is below maintenance margin.
func (p *Position) Liquidate(price, now int64) (Settlement, error) {
	if !p.IsOpen {
		return Settlement{}, fmt.Errorf("%w: position %s is closed", venue.ErrPositionNotFound, p.ID)
	}
	liquidatable, err := p.IsLiquidatable(price)
	if err != nil {
		return Settlement{}, err
	}
	if !liquidatable {
		return Settlement{}, fmt.Errorf("%w: position %s at price %d", venue.ErrNotLiquidatable, p.ID, price)
	}
	return p.settle(price, now, CloseReasonLiquidation)
}

// TriggeredExit reports which of the take-profit or stop-loss triggers, if
// any, price has crossed. Take-profit wins when both are crossed.
func (p *Position) TriggeredExit(price int64) CloseReason {
	if !p.IsOpen || price <= 0 {
		return CloseReasonNone
	}
	if p.TakeProfit > 0 {
		if (p.Side == SideLong && price >= p.TakeProfit) || (p.Side == SideShort && price <= p.TakeProfit) {
			return CloseReasonTakeProfit
		}
	}
	if p.StopLoss > 0 {
		if (p.Side == SideLong && price <= p.StopLoss) || (p.Side == SideShort && price >= p.StopLoss) {
			return CloseReasonStopLoss
		}
	}
	return CloseReasonNone
}

// ExitAt closes the position for a triggered take-profit or stop-loss.
func (p *Position) ExitAt(price, now int64) (Settlement, CloseReason, error) {
	reason := p.TriggeredExit(price)
	if reason == CloseReasonNone {
		return Settlement{}, reason, fmt.Errorf("%w: no exit trigger crossed at %d", venue.ErrInvalidParams, price)
	}
	s, err := p.settle(price, now, reason)
	return s, reason, err
}
