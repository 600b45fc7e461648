package event

import (
	fpmath "SecuritiesVenue/internal/math"
)

// FundingApplied records funding accrued on one or more positions of a
// market at a per-8h rate. Payment is positive when the position pays.
type FundingApplied struct {
	Market        string              `json:"market"`
	Rate          int64               `json:"rate"`
	Payments      []fpmath.LegPayment `json:"payments"`
	TotalPaid     int64               `json:"total_paid"`
	TotalReceived int64               `json:"total_received"`
}

func (f *FundingApplied) EventType() EventType {
	return EventTypeFundingApplied
}

func (f *FundingApplied) MarketID() string {
	return f.Market
}
