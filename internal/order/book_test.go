package order_test

import (
	"testing"

	"SecuritiesVenue/internal/order"

	"github.com/stretchr/testify/assert"
)

func TestBook_Refresh(t *testing.T) {
	orders := []*order.Order{
		{Side: order.SideBuy, Type: order.TypeLimit, Price: 990_000, RemainingSize: 10, Status: order.StatusOpen},
		{Side: order.SideBuy, Type: order.TypeLimit, Price: 995_000, RemainingSize: 5, Status: order.StatusPartiallyFilled},
		{Side: order.SideSell, Type: order.TypeLimit, Price: 1_010_000, RemainingSize: 7, Status: order.StatusOpen},
		{Side: order.SideSell, Type: order.TypeLimit, Price: 1_005_000, RemainingSize: 3, Status: order.StatusOpen},
		{Side: order.SideSell, Type: order.TypeLimit, Price: 900_000, RemainingSize: 99, Status: order.StatusCancelled},
		{Side: order.SideBuy, Type: order.TypeStopMarket, Price: 1_100_000, RemainingSize: 4, Status: order.StatusOpen},
	}

	b := order.NewBook("ACME")
	b.Refresh(orders, 50)

	assert.Equal(t, int64(995_000), b.BestBid)
	assert.Equal(t, int64(1_005_000), b.BestAsk)
	assert.Equal(t, int64(15), b.BidVolume)
	assert.Equal(t, int64(10), b.AskVolume)
	assert.Equal(t, int64(5), b.OrderCount)
	assert.Equal(t, int64(50), b.UpdatedAt)
}

func TestBook_SpreadAndMid(t *testing.T) {
	b := &order.Book{BestBid: 1_000_000, BestAsk: 1_010_000}

	assert.Equal(t, int64(10_000), b.Spread())
	assert.Equal(t, int64(100), b.SpreadBps())
	assert.Equal(t, int64(1_005_000), b.MidPrice())

	crossed := &order.Book{BestBid: 1_010_000, BestAsk: 1_000_000}
	assert.Zero(t, crossed.Spread())
}

func TestBook_EmptySides(t *testing.T) {
	b := &order.Book{BestAsk: 1_010_000}
	assert.Equal(t, int64(10_000), b.SpreadBps())

	b.RecordTrade(1_002_000, 9)
	assert.Equal(t, int64(1_002_000), b.MidPrice())
	assert.Equal(t, int64(9), b.LastTradeTime)
}

func TestBook_MidOddSum(t *testing.T) {
	b := &order.Book{BestBid: 3, BestAsk: 4}
	assert.Equal(t, int64(3), b.MidPrice())

	b = &order.Book{BestBid: 3, BestAsk: 5}
	assert.Equal(t, int64(4), b.MidPrice())
}
