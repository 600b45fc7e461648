// Package order tracks the lifecycle of limit, stop and market orders. It
// does not match orders against each other; fills are reported by the
// caller.
package order

import (
	"fmt"

	"SecuritiesVenue/internal/market"
	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return "Unknown"
	}
}

type Type int32

const (
	TypeMarket Type = iota
	TypeLimit
	TypeStopMarket
	TypeStopLimit
	TypeTakeProfit
)

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "Market"
	case TypeLimit:
		return "Limit"
	case TypeStopMarket:
		return "StopMarket"
	case TypeStopLimit:
		return "StopLimit"
	case TypeTakeProfit:
		return "TakeProfit"
	default:
		return "Unknown"
	}
}

type TimeInForce int32

const (
	GTC TimeInForce = iota
	IOC
	FOK
	GTD
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTD:
		return "GTD"
	default:
		return "Unknown"
	}
}

type Status int32

const (
	StatusOpen Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusPartiallyFilled:
		return "PartiallyFilled"
	case StatusFilled:
		return "Filled"
	case StatusCancelled:
		return "Cancelled"
	case StatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Terminal states never
// re-open.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusOpen: {
			StatusPartiallyFilled,
			StatusFilled,
			StatusCancelled,
			StatusExpired,
		},
		StatusPartiallyFilled: {
			StatusPartiallyFilled,
			StatusFilled,
			StatusCancelled,
			StatusExpired,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// SubmitParams carries a new order. Price is the limit or trigger price and
// must be 0 for market orders.
type SubmitParams struct {
	Owner       string      `json:"owner"`
	Side        Side        `json:"side"`
	Type        Type        `json:"order_type"`
	Price       int64       `json:"price"`
	Size        int64       `json:"size"`
	TimeInForce TimeInForce `json:"time_in_force"`
	ExpiresAt   int64       `json:"expires_at"`
	ReduceOnly  bool        `json:"reduce_only"`
	PostOnly    bool        `json:"post_only"`
}

type Order struct {
	ID            string      `json:"id"`
	Owner         string      `json:"owner"`
	MarketID      string      `json:"market_id"`
	Side          Side        `json:"side"`
	Type          Type        `json:"order_type"`
	Price         int64       `json:"price"`
	OriginalSize  int64       `json:"original_size"`
	RemainingSize int64       `json:"remaining_size"`
	FilledSize    int64       `json:"filled_size"`
	AvgFillPrice  int64       `json:"avg_fill_price"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Status        Status      `json:"status"`
	ReduceOnly    bool        `json:"reduce_only"`
	PostOnly      bool        `json:"post_only"`
	CreatedAt     int64       `json:"created_at"`
	ExpiresAt     int64       `json:"expires_at"`
	UpdatedAt     int64       `json:"updated_at"`
}

// Validate checks the request shape independent of any market.
func (p SubmitParams) Validate(now int64) error {
	if p.Owner == "" {
		return fmt.Errorf("%w: owner required", venue.ErrInvalidParams)
	}
	if p.Side < SideBuy || p.Side > SideSell || p.Type < TypeMarket || p.Type > TypeTakeProfit || p.TimeInForce < GTC || p.TimeInForce > GTD {
		return fmt.Errorf("%w: side %d type %d tif %d", venue.ErrInvalidParams, p.Side, p.Type, p.TimeInForce)
	}
	if p.Size <= 0 {
		return fmt.Errorf("%w: size %d", venue.ErrInvalidAmount, p.Size)
	}
	if p.Type == TypeMarket && p.Price != 0 {
		return fmt.Errorf("%w: market order with price %d", venue.ErrInvalidParams, p.Price)
	}
	if p.Type != TypeMarket && p.Price <= 0 {
		return fmt.Errorf("%w: %s order needs a price", venue.ErrInvalidParams, p.Type)
	}
	if p.TimeInForce == GTD && p.ExpiresAt <= now {
		return fmt.Errorf("%w: GTD expiry %d not after %d", venue.ErrInvalidParams, p.ExpiresAt, now)
	}
	if p.TimeInForce != GTD && p.ExpiresAt != 0 {
		return fmt.Errorf("%w: expiry only valid for GTD", venue.ErrInvalidParams)
	}
	if p.PostOnly && (p.Type != TypeLimit || p.TimeInForce == IOC || p.TimeInForce == FOK) {
		return fmt.Errorf("%w: post-only requires a resting limit order", venue.ErrInvalidParams)
	}
	return nil
}

// Submit creates an Open order on a trading market.
func Submit(m *market.Market, id string, p SubmitParams, now int64) (*Order, error) {
	if !m.IsTrading() {
		return nil, fmt.Errorf("%w: market %s is %s", venue.ErrMarketNotActive, m.Symbol, m.Status)
	}
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	if err := m.CheckTradeSize(p.Size); err != nil {
		return nil, err
	}

	return &Order{
		ID:            id,
		Owner:         p.Owner,
		MarketID:      m.Symbol,
		Side:          p.Side,
		Type:          p.Type,
		Price:         p.Price,
		OriginalSize:  p.Size,
		RemainingSize: p.Size,
		TimeInForce:   p.TimeInForce,
		Status:        StatusOpen,
		ReduceOnly:    p.ReduceOnly,
		PostOnly:      p.PostOnly,
		CreatedAt:     now,
		ExpiresAt:     p.ExpiresAt,
		UpdatedAt:     now,
	}, nil
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}

func (o *Order) IsActive() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// IsExpired is advisory; Expire performs the transition.
func (o *Order) IsExpired(now int64) bool {
	return o.ExpiresAt > 0 && now >= o.ExpiresAt
}

// CanMatch reports whether the order would execute at price. Limit orders
// match at-or-better, stops on crossing their trigger, take-profits on
// reaching their target.
func (o *Order) CanMatch(price int64) bool {
	if !o.IsActive() {
		return false
	}

	switch o.Type {
	case TypeMarket:
		return true
	case TypeLimit, TypeTakeProfit:
		if o.Side == SideBuy {
			return price <= o.Price
		}
		return price >= o.Price
	case TypeStopMarket, TypeStopLimit:
		if o.Side == SideBuy {
			return price >= o.Price
		}
		return price <= o.Price
	default:
		return false
	}
}

func (o *Order) transition(next Status, now int64) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: order %s %s -> %s", venue.ErrInvalidTransition, o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// Fill records an execution of amount at price. FOK orders only accept a
// fill of their full remaining size; IOC orders cancel whatever remains
// after their fill.
func (o *Order) Fill(amount, price, now int64) error {
	if !o.IsActive() {
		return fmt.Errorf("%w: order %s is %s", venue.ErrOrderNotActive, o.ID, o.Status)
	}
	if o.IsExpired(now) {
		return fmt.Errorf("%w: order %s expired at %d", venue.ErrOrderExpired, o.ID, o.ExpiresAt)
	}
	if amount <= 0 || price <= 0 {
		return fmt.Errorf("%w: fill %d at %d", venue.ErrInvalidAmount, amount, price)
	}
	if amount > o.RemainingSize {
		return fmt.Errorf("%w: fill %d exceeds remaining %d", venue.ErrInvalidAmount, amount, o.RemainingSize)
	}
	if o.TimeInForce == FOK && amount != o.RemainingSize {
		return fmt.Errorf("%w: fill-or-kill order %s needs %d, got %d", venue.ErrInvalidAmount, o.ID, o.RemainingSize, amount)
	}

	avg, err := fpmath.ComputeAvgFillPrice(o.FilledSize, o.AvgFillPrice, amount, price)
	if err != nil {
		return venue.MathErr(err)
	}

	next := StatusPartiallyFilled
	if amount == o.RemainingSize {
		next = StatusFilled
	}
	if err := o.transition(next, now); err != nil {
		return err
	}

	o.AvgFillPrice = avg
	o.FilledSize += amount
	o.RemainingSize -= amount

	if o.TimeInForce == IOC && o.RemainingSize > 0 {
		o.Status = StatusCancelled
	}
	return nil
}

func (o *Order) Cancel(now int64) error {
	if !o.IsActive() {
		return fmt.Errorf("%w: order %s is %s", venue.ErrOrderNotActive, o.ID, o.Status)
	}
	return o.transition(StatusCancelled, now)
}

// Expire moves an active order past its expiry to Expired.
func (o *Order) Expire(now int64) error {
	if !o.IsActive() {
		return fmt.Errorf("%w: order %s is %s", venue.ErrOrderNotActive, o.ID, o.Status)
	}
	if !o.IsExpired(now) {
		return fmt.Errorf("%w: order %s expires at %d", venue.ErrInvalidTransition, o.ID, o.ExpiresAt)
	}
	return o.transition(StatusExpired, now)
}

// CheckReduceOnly verifies that a reduce-only order can only shrink the
// owner's exposure. exposure is the signed open position size, positive for
// long.
func (o *Order) CheckReduceOnly(exposure int64) error {
	if !o.ReduceOnly {
		return nil
	}
	switch {
	case o.Side == SideSell && exposure > 0 && o.RemainingSize <= exposure:
		return nil
	case o.Side == SideBuy && exposure < 0 && o.RemainingSize <= -exposure:
		return nil
	}
	return fmt.Errorf("%w: reduce-only %s of %d against exposure %d", venue.ErrInvalidParams, o.Side, o.RemainingSize, exposure)
}
