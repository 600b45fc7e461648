package event

import (
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/pool"
	"SecuritiesVenue/internal/position"
)

// Records is the committed state of every record one command touched. The
// engine attaches it to the last envelope of the command, so an envelope
// with records closes a commit.
type Records struct {
	Markets       []*market.Market             `json:"markets,omitempty"`
	Pools         []*pool.Pool                 `json:"pools,omitempty"`
	Books         []*order.Book                `json:"books,omitempty"`
	Orders        []*order.Order               `json:"orders,omitempty"`
	Positions     []*position.Position         `json:"positions,omitempty"`
	VarianceSwaps []*position.VarianceSwapData `json:"variance_swaps,omitempty"`
}
