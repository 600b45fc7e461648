package event

import (
	"SecuritiesVenue/internal/order"
)

type OrderSubmitted struct {
	Order *order.Order `json:"order"`
}

func (o *OrderSubmitted) EventType() EventType {
	return EventTypeOrderSubmitted
}

func (o *OrderSubmitted) MarketID() string {
	return o.Order.MarketID
}

// OrderFilled reports one execution and the order's state after it. Status
// is Cancelled when an IOC remainder was dropped.
type OrderFilled struct {
	Market        string       `json:"market"`
	OrderID       string       `json:"order_id"`
	Owner         string       `json:"owner"`
	Amount        int64        `json:"amount"`
	Price         int64        `json:"price"`
	FilledSize    int64        `json:"filled_size"`
	RemainingSize int64        `json:"remaining_size"`
	AvgFillPrice  int64        `json:"avg_fill_price"`
	Status        order.Status `json:"status"`
}

func (o *OrderFilled) EventType() EventType {
	return EventTypeOrderFilled
}

func (o *OrderFilled) MarketID() string {
	return o.Market
}

type OrderCancelled struct {
	Market        string `json:"market"`
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	RemainingSize int64  `json:"remaining_size"`
}

func (o *OrderCancelled) EventType() EventType {
	return EventTypeOrderCancelled
}

func (o *OrderCancelled) MarketID() string {
	return o.Market
}

type OrderExpired struct {
	Market        string `json:"market"`
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	RemainingSize int64  `json:"remaining_size"`
	ExpiresAt     int64  `json:"expires_at"`
}

func (o *OrderExpired) EventType() EventType {
	return EventTypeOrderExpired
}

func (o *OrderExpired) MarketID() string {
	return o.Market
}
