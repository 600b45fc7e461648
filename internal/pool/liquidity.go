package pool

import (
	"fmt"

	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

// CalculateLPTokens returns the LP amount a deposit would mint. The first
// deposit mints floor(sqrt(sec * quote)); later deposits mint the smaller of
// the two proportional shares so an off-ratio deposit gains nothing.
func (p *Pool) CalculateLPTokens(securityAmount, quoteAmount int64) (int64, error) {
	if p.LPSupply == 0 {
		lp, err := fpmath.SqrtProduct(securityAmount, quoteAmount)
		if err != nil {
			return 0, venue.MathErr(err)
		}
		return lp, nil
	}

	if p.SecurityReserve <= 0 || p.QuoteReserve <= 0 {
		return 0, fmt.Errorf("%w: pool %s has supply but no reserves", venue.ErrInsufficientLiquidity, p.MarketID)
	}

	securityShare, err := fpmath.MulDiv(securityAmount, p.LPSupply, p.SecurityReserve)
	if err != nil {
		return 0, venue.MathErr(err)
	}
	quoteShare, err := fpmath.MulDiv(quoteAmount, p.LPSupply, p.QuoteReserve)
	if err != nil {
		return 0, venue.MathErr(err)
	}
	return min(securityShare, quoteShare), nil
}

// AddLiquidity deposits both assets and returns the LP minted to the
// depositor. It is gated by the pool's own active flag only; a paused market
// still accepts liquidity.
func (p *Pool) AddLiquidity(securityAmount, quoteAmount, minLPOut, now int64) (int64, error) {
	if !p.IsActive {
		return 0, fmt.Errorf("%w: pool %s", venue.ErrPoolNotActive, p.MarketID)
	}
	if securityAmount <= 0 || quoteAmount <= 0 {
		return 0, fmt.Errorf("%w: deposit (%d, %d) must be positive", venue.ErrInvalidAmount, securityAmount, quoteAmount)
	}
	if err := p.checkClock(now); err != nil {
		return 0, err
	}

	minted, err := p.CalculateLPTokens(securityAmount, quoteAmount)
	if err != nil {
		return 0, err
	}

	locked := int64(0)
	if p.LPSupply == 0 && p.MinimumLiquidity > 0 {
		if minted <= p.MinimumLiquidity {
			return 0, fmt.Errorf("%w: first deposit mints %d, minimum %d", venue.ErrInsufficientLiquidity, minted, p.MinimumLiquidity)
		}
		locked = p.MinimumLiquidity
	}
	lpOut := minted - locked

	if lpOut <= 0 {
		return 0, fmt.Errorf("%w: deposit mints no LP", venue.ErrInvalidAmount)
	}
	if lpOut < minLPOut {
		return 0, fmt.Errorf("%w: lp out %d below minimum %d", venue.ErrSlippageExceeded, lpOut, minLPOut)
	}

	supply, err := fpmath.CheckedAdd(p.LPSupply, minted)
	if err != nil {
		return 0, venue.MathErr(err)
	}

	p.SecurityReserve = fpmath.SaturatingAdd(p.SecurityReserve, securityAmount)
	p.QuoteReserve = fpmath.SaturatingAdd(p.QuoteReserve, quoteAmount)
	p.LPSupply = supply
	p.LockedLiquidity += locked
	p.KLast = p.K()
	p.accrueTWAP(now)

	return lpOut, nil
}

// CalculateWithdrawAmounts returns the proportional share of both reserves
// backing lpAmount.
func (p *Pool) CalculateWithdrawAmounts(lpAmount int64) (securityOut, quoteOut int64, err error) {
	if lpAmount <= 0 {
		return 0, 0, fmt.Errorf("%w: lp amount %d", venue.ErrInvalidAmount, lpAmount)
	}
	if p.LPSupply == 0 || lpAmount > p.LPSupply {
		return 0, 0, fmt.Errorf("%w: lp amount %d exceeds supply %d", venue.ErrInsufficientLiquidity, lpAmount, p.LPSupply)
	}

	securityOut, err = fpmath.MulDiv(lpAmount, p.SecurityReserve, p.LPSupply)
	if err != nil {
		return 0, 0, venue.MathErr(err)
	}
	quoteOut, err = fpmath.MulDiv(lpAmount, p.QuoteReserve, p.LPSupply)
	if err != nil {
		return 0, 0, venue.MathErr(err)
	}
	return securityOut, quoteOut, nil
}

// RemoveLiquidity burns lpAmount and returns the released reserves. Market
// pause does not block withdrawals.
func (p *Pool) RemoveLiquidity(lpAmount, now int64) (securityOut, quoteOut int64, err error) {
	if err := p.checkClock(now); err != nil {
		return 0, 0, err
	}
	securityOut, quoteOut, err = p.CalculateWithdrawAmounts(lpAmount)
	if err != nil {
		return 0, 0, err
	}
	if securityOut == 0 || quoteOut == 0 {
		return 0, 0, fmt.Errorf("%w: lp amount %d releases nothing", venue.ErrInvalidAmount, lpAmount)
	}

	p.SecurityReserve = fpmath.SaturatingSub(p.SecurityReserve, securityOut)
	p.QuoteReserve = fpmath.SaturatingSub(p.QuoteReserve, quoteOut)
	p.LPSupply -= lpAmount
	p.KLast = p.K()
	p.accrueTWAP(now)

	return securityOut, quoteOut, nil
}
