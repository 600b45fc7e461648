package event

import (
	"SecuritiesVenue/internal/market"
)

// MarketCreated carries the full record of a newly created market.
type MarketCreated struct {
	Market *market.Market `json:"market"`
}

func (m *MarketCreated) EventType() EventType {
	return EventTypeMarketCreated
}

func (m *MarketCreated) MarketID() string {
	return m.Market.Symbol
}

// MarketStatusChanged covers pause, resume, settlement, close and the
// activity flag.
type MarketStatusChanged struct {
	Market   string        `json:"market"`
	From     market.Status `json:"from"`
	To       market.Status `json:"to"`
	IsActive bool          `json:"is_active"`
}

func (m *MarketStatusChanged) EventType() EventType {
	return EventTypeMarketStatusChanged
}

func (m *MarketStatusChanged) MarketID() string {
	return m.Market
}

type MarketFeesUpdated struct {
	Market         string `json:"market"`
	TradingFeeBps  int64  `json:"trading_fee_bps"`
	ProtocolFeeBps int64  `json:"protocol_fee_bps"`
}

func (m *MarketFeesUpdated) EventType() EventType {
	return EventTypeMarketFeesUpdated
}

func (m *MarketFeesUpdated) MarketID() string {
	return m.Market
}
