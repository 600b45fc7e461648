package position

import (
	"fmt"

	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

// VarianceSwapData belongs to exactly one variance-swap position. Variances
// are ×1e6 fixed-point. RealizedVariance is always floor(VarianceSum /
// ObservationCount).
type VarianceSwapData struct {
	PositionID       string `json:"position_id"`
	StrikeVariance   int64  `json:"strike_variance"`
	RealizedVariance int64  `json:"realized_variance"`
	VarianceSum      int64  `json:"variance_sum"`
	ObservationCount int64  `json:"observation_count"`
	Notional         int64  `json:"notional"`
	SettlementDate   int64  `json:"settlement_date"`
	IsSettled        bool   `json:"is_settled"`
	SettledAmount    int64  `json:"settled_amount"`
}

// NewVarianceSwap attaches variance-swap terms to a variance-swap position.
func NewVarianceSwap(pos *Position, strikeVariance, notional, settlementDate int64) (*VarianceSwapData, error) {
	if pos.Type != TypeVarianceSwap {
		return nil, fmt.Errorf("%w: position %s is %s", venue.ErrInvalidParams, pos.ID, pos.Type)
	}
	if strikeVariance < 0 || notional <= 0 {
		return nil, fmt.Errorf("%w: strike %d notional %d", venue.ErrInvalidAmount, strikeVariance, notional)
	}
	if settlementDate <= pos.CreatedAt {
		return nil, fmt.Errorf("%w: settlement date %d not after open %d", venue.ErrInvalidParams, settlementDate, pos.CreatedAt)
	}
	return &VarianceSwapData{
		PositionID:     pos.ID,
		StrikeVariance: strikeVariance,
		Notional:       notional,
		SettlementDate: settlementDate,
	}, nil
}

func (v *VarianceSwapData) Clone() *VarianceSwapData {
	c := *v
	return &c
}

// Observe adds one realized-variance sample and recomputes the mean from
// the exact sum.
func (v *VarianceSwapData) Observe(sample int64) error {
	if v.IsSettled {
		return fmt.Errorf("%w: variance swap %s", venue.ErrAlreadySettled, v.PositionID)
	}
	if sample < 0 {
		return fmt.Errorf("%w: variance sample %d", venue.ErrInvalidAmount, sample)
	}
	sum, err := fpmath.CheckedAdd(v.VarianceSum, sample)
	if err != nil {
		return venue.MathErr(err)
	}
	count := v.ObservationCount + 1
	v.VarianceSum = sum
	v.ObservationCount = count
	v.RealizedVariance = sum / count
	return nil
}

// Settlement returns notional * (realized - strike) / 1e6, the signed payout
// to the long-variance side.
func (v *VarianceSwapData) Settlement() (int64, error) {
	amount, err := fpmath.MulDiv(v.Notional, v.RealizedVariance-v.StrikeVariance, fpmath.PricePrecision)
	return amount, venue.MathErr(err)
}

// Settle fixes the payout once the settlement date has passed.
func (v *VarianceSwapData) Settle(now int64) (int64, error) {
	if v.IsSettled {
		return 0, fmt.Errorf("%w: variance swap %s", venue.ErrAlreadySettled, v.PositionID)
	}
	if now < v.SettlementDate {
		return 0, fmt.Errorf("%w: now %d before %d", venue.ErrNotSettleable, now, v.SettlementDate)
	}
	amount, err := v.Settlement()
	if err != nil {
		return 0, err
	}
	v.IsSettled = true
	v.SettledAmount = amount
	return amount, nil
}
