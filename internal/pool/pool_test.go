package pool_test

import (
	"testing"

	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/pool"
	"SecuritiesVenue/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMarket(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.Create(market.Params{
		Symbol:         "ACME",
		Name:           "Acme Holdings",
		SecurityAsset:  "acme-token",
		QuoteAsset:     "jpyc",
		OracleRef:      "ACME",
		Type:           market.MarketTypeEquity,
		TradingFeeBps:  30,
		ProtocolFeeBps: 10,
		MinTradeSize:   100,
	}, 0)
	require.NoError(t, err)
	return m
}

// seededPool returns a pool holding (1_000_000 security, 2_000_000_000 quote).
func seededPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)
	_, err = p.AddLiquidity(1_000_000, 2_000_000_000, 0, 0)
	require.NoError(t, err)
	return p
}

// ============================================================================
// Test: liquidity
// ============================================================================

func TestAddLiquidity_FirstDepositMintsGeometricMean(t *testing.T) {
	p, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)

	lp, err := p.AddLiquidity(1_000_000, 4_000_000_000, 0, 10)
	require.NoError(t, err)

	// floor(sqrt(1_000_000 * 4_000_000_000))
	assert.Equal(t, int64(63_245_553), lp)
	assert.Equal(t, lp, p.LPSupply)
	assert.Equal(t, int64(1_000_000), p.SecurityReserve)
	assert.Equal(t, int64(4_000_000_000), p.QuoteReserve)
	assert.Equal(t, p.K(), p.KLast)
}

func TestAddLiquidity_SubsequentDepositUsesStingierRatio(t *testing.T) {
	p := seededPool(t)
	supply := p.LPSupply

	// twice as much quote as the pool ratio warrants
	lp, err := p.AddLiquidity(1_000, 4_000_000, 0, 1)
	require.NoError(t, err)

	expected := int64(1_000) * supply / 1_000_000
	assert.Equal(t, expected, lp)
}

func TestAddLiquidity_Rejections(t *testing.T) {
	p := seededPool(t)
	before := *p

	_, err := p.AddLiquidity(0, 100, 0, 1)
	assert.ErrorIs(t, err, venue.ErrInvalidAmount)

	_, err = p.AddLiquidity(1_000, 2_000_000, 1_000_000, 1)
	assert.ErrorIs(t, err, venue.ErrSlippageExceeded)

	p.SetActive(false)
	_, err = p.AddLiquidity(1_000, 2_000_000, 0, 1)
	assert.ErrorIs(t, err, venue.ErrPoolNotActive)
	p.SetActive(true)

	assert.Equal(t, before, *p)
}

func TestAddLiquidity_MinimumLiquidityLock(t *testing.T) {
	p, err := pool.Initialize("ACME", 1_000, 0)
	require.NoError(t, err)

	_, err = p.AddLiquidity(10, 10, 0, 0)
	assert.ErrorIs(t, err, venue.ErrInsufficientLiquidity)

	lp, err := p.AddLiquidity(1_000_000, 4_000_000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000-1_000), lp)
	assert.Equal(t, int64(2_000_000), p.LPSupply)
	assert.Equal(t, int64(1_000), p.LockedLiquidity)
}

func TestAddThenRemove_ReturnsAtMostDeposit(t *testing.T) {
	p := seededPool(t)

	lp, err := p.AddLiquidity(1_000, 2_000_000, 0, 1)
	require.NoError(t, err)

	sec, quote, err := p.RemoveLiquidity(lp, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, sec, int64(1_000))
	assert.LessOrEqual(t, quote, int64(2_000_000))
}

func TestAddThenRemove_SoleProviderGetsEverythingBack(t *testing.T) {
	p, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)

	lp, err := p.AddLiquidity(1_000_000, 4_000_000, 0, 0)
	require.NoError(t, err)

	sec, quote, err := p.RemoveLiquidity(lp, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), sec)
	assert.Equal(t, int64(4_000_000), quote)
	assert.Zero(t, p.LPSupply)
}

func TestCalculateWithdrawAmounts_Bounds(t *testing.T) {
	empty, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)
	_, _, err = empty.CalculateWithdrawAmounts(1)
	assert.ErrorIs(t, err, venue.ErrInsufficientLiquidity)

	p := seededPool(t)
	_, _, err = p.CalculateWithdrawAmounts(p.LPSupply + 1)
	assert.ErrorIs(t, err, venue.ErrInsufficientLiquidity)

	sec, quote, err := p.CalculateWithdrawAmounts(p.LPSupply / 2)
	require.NoError(t, err)
	assert.InDelta(t, 500_000, sec, 1)
	assert.InDelta(t, 1_000_000_000, quote, 50)
}

func TestRemoveLiquidity_RejectsZeroOutput(t *testing.T) {
	p := seededPool(t)
	before := *p

	_, _, err := p.RemoveLiquidity(1, 1)
	assert.ErrorIs(t, err, venue.ErrInvalidAmount)
	assert.Equal(t, before, *p)
}

// ============================================================================
// Test: swap
// ============================================================================

func TestSwap_SecurityIn(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)

	res, err := p.Swap(m, 10_000, 0, true, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(30), res.Fee)
	// floor(9_970 * 2_000_000_000 / 1_009_970)
	assert.Equal(t, int64(19_743_160), res.AmountOut)
	assert.Equal(t, int64(1_010_000), p.SecurityReserve)
	assert.Equal(t, int64(2_000_000_000-19_743_160), p.QuoteReserve)
	assert.Equal(t, int64(30), p.SecurityFees)
	assert.Equal(t, int64(10), p.SecurityProtocolFees)

	// quote-denominated volume
	assert.Equal(t, res.AmountOut, m.TotalVolume)
	assert.Equal(t, int64(30), m.TotalFees)
}

func TestSwap_QuoteIn(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)

	res, err := p.Swap(m, 20_000_000, 0, false, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(60_000), res.Fee)
	assert.Equal(t, int64(20_000_000), m.TotalVolume)
	assert.Equal(t, int64(60_000), p.QuoteFees)
	assert.Equal(t, int64(1_000_000)-res.AmountOut, p.SecurityReserve)
}

func TestSwap_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *market.Market, p *pool.Pool)
		amount int64
		minOut int64
		want   error
	}{
		{"below minimum trade size", nil, 99, 0, venue.ErrInvalidAmount},
		{"zero amount", nil, 0, 0, venue.ErrInvalidAmount},
		{"above maximum trade size", func(m *market.Market, _ *pool.Pool) { m.MaxTradeSize = 1_000 }, 1_001, 0, venue.ErrInvalidAmount},
		{"slippage", nil, 10_000, 19_743_161, venue.ErrSlippageExceeded},
		{"paused market", func(m *market.Market, _ *pool.Pool) { require.NoError(t, m.Pause(1)) }, 10_000, 0, venue.ErrMarketNotActive},
		{"inactive flag", func(m *market.Market, _ *pool.Pool) { m.SetActive(false, 1) }, 10_000, 0, venue.ErrMarketNotActive},
		{"inactive pool", func(_ *market.Market, p *pool.Pool) { p.SetActive(false) }, 10_000, 0, venue.ErrPoolNotActive},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMarket(t)
			p := seededPool(t)
			if tc.setup != nil {
				tc.setup(m, p)
			}
			poolBefore, marketBefore := *p, *m

			_, err := p.Swap(m, tc.amount, tc.minOut, true, 5)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, poolBefore, *p)
			assert.Equal(t, marketBefore, *m)
		})
	}
}

func TestSwap_EmptyPool(t *testing.T) {
	m := newMarket(t)
	p, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)

	_, _, ok, err := p.CalculateSwapOutput(1_000, true, 30)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Swap(m, 1_000, 0, true, 1)
	assert.ErrorIs(t, err, venue.ErrInsufficientLiquidity)
}

func TestSwap_ConstantProductNonDecreasing(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)

	amounts := []struct {
		amount     int64
		securityIn bool
	}{
		{10_000, true}, {5_000_000, false}, {123, true}, {777_777, false},
		{250_000, true}, {99_999_999, false}, {1_000, true}, {400_000, false},
	}

	prev := p.K()
	for i, a := range amounts {
		_, err := p.Swap(m, a.amount, 0, a.securityIn, int64(i+1))
		require.NoError(t, err)
		k := p.K()
		assert.GreaterOrEqual(t, k.Cmp(prev), 0, "k decreased at step %d", i)
		prev = k
	}
}

func TestSwap_PausedMarketStillAcceptsLiquidity(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)
	require.NoError(t, m.Pause(1))

	_, err := p.Swap(m, 10_000, 0, true, 2)
	assert.ErrorIs(t, err, venue.ErrMarketNotActive)

	lp, err := p.AddLiquidity(1_000, 2_000_000, 0, 2)
	require.NoError(t, err)
	assert.Positive(t, lp)
}

func TestQuote_DoesNotMutate(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)
	before := *p

	res, err := p.Quote(m, 10_000, true)
	require.NoError(t, err)
	assert.Equal(t, int64(19_743_160), res.AmountOut)
	assert.Equal(t, before, *p)
}

// ============================================================================
// Test: price, TWAP, impact
// ============================================================================

func TestSpotPrice(t *testing.T) {
	p := seededPool(t)
	assert.Equal(t, int64(2_000_000_000), p.SpotPrice())

	empty, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, empty.SpotPrice())
}

func TestTWAP_AnchoredAtCreation(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)

	p.RefreshTWAP(100)
	assert.Equal(t, int64(2_000_000_000), p.TWAP)

	_, err := p.Swap(m, 10_000, 0, true, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1_960_650_336), p.SpotPrice())

	// (2e9*100 + 1_960_650_336*50) / 150
	assert.Equal(t, int64(1_986_883_445), p.TWAP)
	assert.Equal(t, int64(150), p.LastUpdate)
}

func TestTWAP_PricesIntervalAtPostTradeSpot(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)

	_, err := p.Swap(m, 10_000, 0, true, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1_960_650_336), p.TWAP)
	assert.Equal(t, p.SpotPrice(), p.TWAP)

	p.RefreshTWAP(200)
	assert.Equal(t, int64(1_960_650_336), p.TWAP)
	assert.Equal(t, int64(200), p.LastUpdate)
}

func TestMutations_RejectTimeBeforeLastUpdate(t *testing.T) {
	m := newMarket(t)
	p := seededPool(t)

	_, err := p.Swap(m, 10_000, 0, true, 500)
	require.NoError(t, err)
	before := *p
	volume := m.Volume24h

	_, err = p.Swap(m, 10_000, 0, true, 499)
	assert.ErrorIs(t, err, venue.ErrInvalidParams)
	_, err = p.AddLiquidity(1_000, 2_000_000, 0, 100)
	assert.ErrorIs(t, err, venue.ErrInvalidParams)
	_, _, err = p.RemoveLiquidity(1_000, 100)
	assert.ErrorIs(t, err, venue.ErrInvalidParams)

	assert.Equal(t, before, *p)
	assert.Equal(t, volume, m.Volume24h)

	// same-second mutations are allowed
	_, err = p.Swap(m, 10_000, 0, false, 500)
	require.NoError(t, err)
}

func TestTWAP_EmptyPoolBackfillsFromCreation(t *testing.T) {
	p, err := pool.Initialize("ACME", 0, 10)
	require.NoError(t, err)

	p.RefreshTWAP(50)
	assert.Equal(t, int64(10), p.LastUpdate)
	assert.Zero(t, p.CumulativePrice)

	_, err = p.AddLiquidity(1_000_000, 2_000_000_000, 0, 50)
	require.NoError(t, err)

	// the first priced interval reaches back to creation
	p.RefreshTWAP(50)
	assert.Equal(t, int64(2_000_000_000), p.TWAP)
	assert.Equal(t, int64(50), p.LastUpdate)

	cumulative := p.CumulativePrice
	p.RefreshTWAP(40)
	assert.Equal(t, cumulative, p.CumulativePrice)
}

func TestCalculatePriceImpact(t *testing.T) {
	p := seededPool(t)

	impact, ok := p.CalculatePriceImpact(10_000, true)
	assert.True(t, ok)
	assert.Equal(t, int64(99), impact)

	empty, err := pool.Initialize("ACME", 0, 0)
	require.NoError(t, err)
	impact, ok = empty.CalculatePriceImpact(10_000, true)
	assert.False(t, ok)
	assert.Equal(t, pool.PriceImpactUnavailable, impact)

	// too small to buy a single unit of security
	impact, ok = p.CalculatePriceImpact(1, false)
	assert.False(t, ok)
	assert.Equal(t, pool.PriceImpactUnavailable, impact)
}
