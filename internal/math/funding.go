package math

import (
	"math/big"
	"sort"
)

// ComputeFundingAccrual calculates the funding owed for elapsed seconds at a
// per-period rate:
//
//	funding = size * rate * elapsed / FundingPeriodSeconds
//
// carry is the signed remainder numerator left over from the previous accrual.
// It is folded into this one so that many short accruals sum to the same
// amount as one long accrual. The returned funding truncates toward zero.
func ComputeFundingAccrual(size, rate, elapsed, carry int64) (funding int64, newCarry int64, err error) {
	if elapsed <= 0 || size == 0 || rate == 0 {
		return 0, carry, nil
	}

	num := mulInt128(size, rate)
	defer putInt128(num)
	e := getInt128()
	defer putInt128(e)
	num.Mul(num, e.SetInt64(elapsed))
	num.Add(num, big.NewInt(carry))

	q := getInt128()
	r := getInt128()
	defer putInt128(q)
	defer putInt128(r)
	q.QuoRem(num, big.NewInt(FundingPeriodSeconds), r)

	funding, err = toInt64(q)
	if err != nil {
		return 0, carry, err
	}
	return funding, r.Int64(), nil
}

// FundingLeg is one open position's input to a funding sweep.
type FundingLeg struct {
	PositionID string
	Size       int64
	SideSign   int64 // +1 long, -1 short
	Elapsed    int64
}

// FundingSweep summarizes funding applied across a market in one pass.
type FundingSweep struct {
	MarketID      string
	Rate          int64
	Payments      []LegPayment
	TotalPaid     int64
	TotalReceived int64
}

type LegPayment struct {
	PositionID string
	Payment    int64 // positive = position pays
}

// Imbalance is the net amount funding moved into (positive) or out of the
// venue during the sweep.
func (s *FundingSweep) Imbalance() int64 {
	return SaturatingAdd(s.TotalPaid, -s.TotalReceived)
}

// ComputeFundingSweep previews the funding each leg would pay at rate,
// ordered by position id. Carry is not applied; the preview is an estimate of
// the per-leg effect only.
func ComputeFundingSweep(marketID string, rate int64, legs []FundingLeg) (*FundingSweep, error) {
	sorted := make([]FundingLeg, len(legs))
	copy(sorted, legs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PositionID < sorted[j].PositionID
	})

	sweep := &FundingSweep{
		MarketID: marketID,
		Rate:     rate,
		Payments: make([]LegPayment, 0, len(sorted)),
	}

	for _, leg := range sorted {
		if leg.Size == 0 {
			continue
		}
		amount, _, err := ComputeFundingAccrual(leg.Size, rate, leg.Elapsed, 0)
		if err != nil {
			return nil, err
		}
		payment := amount * leg.SideSign
		if payment == 0 {
			continue
		}
		sweep.Payments = append(sweep.Payments, LegPayment{PositionID: leg.PositionID, Payment: payment})
		if payment > 0 {
			sweep.TotalPaid = SaturatingAdd(sweep.TotalPaid, payment)
		} else {
			sweep.TotalReceived = SaturatingAdd(sweep.TotalReceived, -payment)
		}
	}

	return sweep, nil
}
