package pool

import (
	"fmt"

	"SecuritiesVenue/internal/market"
	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

// PriceImpactUnavailable is reported alongside ok=false when the impact
// cannot be computed. It is not a measured 100% impact.
const PriceImpactUnavailable int64 = 10_000

// SwapResult describes a swap's outcome or preview.
type SwapResult struct {
	AmountOut   int64 `json:"amount_out"`
	Fee         int64 `json:"fee"`
	ProtocolFee int64 `json:"protocol_fee"`
	// Volume is the quote-denominated size reported to the market.
	Volume int64 `json:"volume"`
}

func (p *Pool) reserves(isSecurityIn bool) (in, out int64) {
	if isSecurityIn {
		return p.SecurityReserve, p.QuoteReserve
	}
	return p.QuoteReserve, p.SecurityReserve
}

// CalculateSwapOutput applies the fee to the input and prices the remainder
// against the constant-product curve:
//
//	fee   = floor(amountIn * feeBps / 10000)
//	netIn = amountIn - fee
//	out   = floor(netIn * outReserve / (inReserve + netIn))
//
// ok is false when either reserve is empty.
func (p *Pool) CalculateSwapOutput(amountIn int64, isSecurityIn bool, feeBps int64) (amountOut, fee int64, ok bool, err error) {
	if amountIn < 0 || feeBps < 0 || feeBps > fpmath.BasisPoints {
		return 0, 0, false, fmt.Errorf("%w: amount %d fee %d bps", venue.ErrInvalidAmount, amountIn, feeBps)
	}

	inReserve, outReserve := p.reserves(isSecurityIn)
	if inReserve <= 0 || outReserve <= 0 {
		return 0, 0, false, nil
	}

	fee, err = fpmath.MulDiv(amountIn, feeBps, fpmath.BasisPoints)
	if err != nil {
		return 0, 0, false, venue.MathErr(err)
	}
	netIn := amountIn - fee

	denominator, err := fpmath.CheckedAdd(inReserve, netIn)
	if err != nil {
		return 0, 0, false, venue.MathErr(err)
	}
	amountOut, err = fpmath.MulDiv(netIn, outReserve, denominator)
	if err != nil {
		return 0, 0, false, venue.MathErr(err)
	}
	return amountOut, fee, true, nil
}

// Quote previews a swap against the market's current fee without mutating
// anything.
func (p *Pool) Quote(m *market.Market, amountIn int64, isSecurityIn bool) (SwapResult, error) {
	out, fee, ok, err := p.CalculateSwapOutput(amountIn, isSecurityIn, m.TradingFeeBps)
	if err != nil {
		return SwapResult{}, err
	}
	if !ok {
		return SwapResult{}, fmt.Errorf("%w: pool %s has an empty reserve", venue.ErrInsufficientLiquidity, p.MarketID)
	}

	volume := amountIn
	if isSecurityIn {
		volume = out
	}
	return SwapResult{
		AmountOut:   out,
		Fee:         fee,
		ProtocolFee: m.ProtocolShare(fee),
		Volume:      volume,
	}, nil
}

// Swap trades amountIn of one side for the other. The reserve change, fee
// accumulation, TWAP refresh and the market's volume and fee rollup are
// applied together or not at all.
func (p *Pool) Swap(m *market.Market, amountIn, minAmountOut int64, isSecurityIn bool, now int64) (SwapResult, error) {
	if m.Symbol != p.MarketID {
		return SwapResult{}, fmt.Errorf("%w: pool %s is not bound to market %s", venue.ErrInvalidParams, p.MarketID, m.Symbol)
	}
	if !m.IsTrading() {
		return SwapResult{}, fmt.Errorf("%w: market %s is %s", venue.ErrMarketNotActive, m.Symbol, m.Status)
	}
	if !p.IsActive {
		return SwapResult{}, fmt.Errorf("%w: pool %s", venue.ErrPoolNotActive, p.MarketID)
	}
	if err := m.CheckTradeSize(amountIn); err != nil {
		return SwapResult{}, err
	}
	if err := p.checkClock(now); err != nil {
		return SwapResult{}, err
	}

	res, err := p.Quote(m, amountIn, isSecurityIn)
	if err != nil {
		return SwapResult{}, err
	}
	if res.AmountOut == 0 {
		return SwapResult{}, fmt.Errorf("%w: swap of %d yields nothing", venue.ErrInsufficientLiquidity, amountIn)
	}
	if res.AmountOut < minAmountOut {
		return SwapResult{}, fmt.Errorf("%w: out %d below minimum %d", venue.ErrSlippageExceeded, res.AmountOut, minAmountOut)
	}

	if isSecurityIn {
		p.SecurityReserve = fpmath.SaturatingAdd(p.SecurityReserve, amountIn)
		p.QuoteReserve = fpmath.SaturatingSub(p.QuoteReserve, res.AmountOut)
		p.SecurityFees = fpmath.SaturatingAdd(p.SecurityFees, res.Fee)
		p.SecurityProtocolFees = fpmath.SaturatingAdd(p.SecurityProtocolFees, res.ProtocolFee)
	} else {
		p.QuoteReserve = fpmath.SaturatingAdd(p.QuoteReserve, amountIn)
		p.SecurityReserve = fpmath.SaturatingSub(p.SecurityReserve, res.AmountOut)
		p.QuoteFees = fpmath.SaturatingAdd(p.QuoteFees, res.Fee)
		p.QuoteProtocolFees = fpmath.SaturatingAdd(p.QuoteProtocolFees, res.ProtocolFee)
	}
	p.KLast = p.K()
	p.accrueTWAP(now)

	m.RecordVolume(res.Volume, now)
	m.RecordFee(res.Fee)

	return res, nil
}

// CalculatePriceImpact compares the zero-fee execution price of a trade with
// the spot price, in basis points. ok is false, with PriceImpactUnavailable,
// when there is no spot price or the trade cannot be priced.
func (p *Pool) CalculatePriceImpact(amountIn int64, isSecurityIn bool) (impactBps int64, ok bool) {
	spot := p.SpotPrice()
	if spot == 0 || amountIn <= 0 {
		return PriceImpactUnavailable, false
	}

	out, _, priced, err := p.CalculateSwapOutput(amountIn, isSecurityIn, 0)
	if err != nil || !priced || out == 0 {
		return PriceImpactUnavailable, false
	}

	var effective int64
	if isSecurityIn {
		effective, err = fpmath.MulDiv(out, fpmath.PricePrecision, amountIn)
	} else {
		effective, err = fpmath.MulDiv(amountIn, fpmath.PricePrecision, out)
	}
	if err != nil {
		return PriceImpactUnavailable, false
	}

	diff := effective - spot
	if diff < 0 {
		diff = -diff
	}
	impact, err := fpmath.MulDiv(diff, fpmath.BasisPoints, spot)
	if err != nil {
		return PriceImpactUnavailable, false
	}
	return impact, true
}
