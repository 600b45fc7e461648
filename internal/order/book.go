package order

import (
	fpmath "SecuritiesVenue/internal/math"
)

// Book is a derived best-bid/ask summary of a market's resting limit
// orders. It is refreshed after every order mutation and is never consulted
// to decide an individual order's state.
type Book struct {
	MarketID       string `json:"market_id"`
	BestBid        int64  `json:"best_bid"`
	BestAsk        int64  `json:"best_ask"`
	BidVolume      int64  `json:"bid_volume"`
	AskVolume      int64  `json:"ask_volume"`
	OrderCount     int64  `json:"order_count"`
	LastTradePrice int64  `json:"last_trade_price"`
	LastTradeTime  int64  `json:"last_trade_time"`
	UpdatedAt      int64  `json:"updated_at"`
}

func NewBook(marketID string) *Book {
	return &Book{MarketID: marketID}
}

func (b *Book) Clone() *Book {
	c := *b
	return &c
}

// Refresh rebuilds the summary from the market's orders. Only active limit
// orders rest on the book; every active order counts toward OrderCount.
func (b *Book) Refresh(orders []*Order, now int64) {
	var bid, ask, bidVol, askVol, count int64

	for _, o := range orders {
		if !o.IsActive() {
			continue
		}
		count++
		if o.Type != TypeLimit {
			continue
		}
		if o.Side == SideBuy {
			bid = max(bid, o.Price)
			bidVol = fpmath.SaturatingAdd(bidVol, o.RemainingSize)
		} else {
			if ask == 0 || o.Price < ask {
				ask = o.Price
			}
			askVol = fpmath.SaturatingAdd(askVol, o.RemainingSize)
		}
	}

	b.BestBid, b.BestAsk = bid, ask
	b.BidVolume, b.AskVolume = bidVol, askVol
	b.OrderCount = count
	b.UpdatedAt = now
}

func (b *Book) RecordTrade(price, now int64) {
	b.LastTradePrice = price
	b.LastTradeTime = now
	b.UpdatedAt = now
}

// Spread returns max(ask - bid, 0).
func (b *Book) Spread() int64 {
	if b.BestAsk > b.BestBid {
		return b.BestAsk - b.BestBid
	}
	return 0
}

// SpreadBps returns spread * 10000 / bid, or 10000 with no bid.
func (b *Book) SpreadBps() int64 {
	if b.BestBid <= 0 {
		return fpmath.BasisPoints
	}
	bps, err := fpmath.MulDiv(b.Spread(), fpmath.BasisPoints, b.BestBid)
	if err != nil {
		return fpmath.BasisPoints
	}
	return bps
}

// MidPrice averages bid and ask, falling back to the last trade when either
// side is empty.
func (b *Book) MidPrice() int64 {
	if b.BestBid == 0 || b.BestAsk == 0 {
		return b.LastTradePrice
	}
	return b.BestBid/2 + b.BestAsk/2 + (b.BestBid%2+b.BestAsk%2)/2
}
