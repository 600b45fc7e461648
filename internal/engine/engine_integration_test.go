package engine_test

import (
	"sync"
	"testing"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const t0 = int64(1_700_000_000)

// newTestEngine creates an engine with a buffered persist channel, no
// publisher and no DB checker.
func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, chan engine.Output) {
	t.Helper()
	persistCh := make(chan engine.Output, 1024)
	e := engine.New(persistCh, nil, nil, observability.NewMetrics(prometheus.NewRegistry()), opts...)
	return e, persistCh
}

func drainOutputs(ch chan engine.Output) []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func marketParams(symbol string, typ market.MarketType) market.Params {
	return market.Params{
		Symbol:         symbol,
		Name:           symbol + " Holdings",
		SecurityAsset:  symbol,
		QuoteAsset:     "USDC",
		OracleRef:      "oracle/" + symbol,
		Type:           typ,
		TradingFeeBps:  30,
		ProtocolFeeBps: 5,
		MinTradeSize:   1,
	}
}

func mustMarket(t *testing.T, e *engine.Engine, symbol string, typ market.MarketType) {
	t.Helper()
	_, err := e.CreateMarket(engine.CreateMarketRequest{Now: t0, Params: marketParams(symbol, typ)})
	require.NoError(t, err)
}

// mustSeededPool creates an equity market with a pool holding the given
// reserves.
func mustSeededPool(t *testing.T, e *engine.Engine, symbol string, security, quote int64) int64 {
	t.Helper()
	mustMarket(t, e, symbol, market.MarketTypeEquity)
	_, err := e.InitializePool(engine.MarketRequest{Now: t0, MarketID: symbol})
	require.NoError(t, err)
	lp, err := e.AddLiquidity(engine.AddLiquidityRequest{
		Now: t0, MarketID: symbol, Provider: "lp-1", SecurityAmount: security, QuoteAmount: quote,
	})
	require.NoError(t, err)
	return lp
}

func longParams(owner string) position.OpenParams {
	return position.OpenParams{
		Owner:      owner,
		Type:       position.TypePerpetual,
		Side:       position.SideLong,
		Size:       100_000,
		EntryPrice: 1_000_000,
		Leverage:   10,
		Collateral: 10_000,
	}
}

// ============================================================================
// Test: Pool scenarios
// ============================================================================

func TestSwap_SecurityInAgainstSeededPool(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)

	res, err := e.Swap(engine.SwapRequest{Now: t0 + 60, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	require.NoError(t, err)

	// fee 30, netIn 9,970, out = floor(9,970 * 2e9 / 1,009,970)
	assert.Equal(t, int64(30), res.Fee)
	assert.Equal(t, int64(19_743_160), res.AmountOut)
	assert.Equal(t, int64(5), res.ProtocolFee)

	p, err := e.GetPool("ACME", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_010_000), p.SecurityReserve)
	assert.Equal(t, int64(2_000_000_000-19_743_160), p.QuoteReserve)
	assert.Equal(t, int64(30), p.SecurityFees)
	assert.Equal(t, int64(5), p.SecurityProtocolFees)

	m, err := e.GetMarket("ACME")
	require.NoError(t, err)
	assert.Equal(t, int64(19_743_160), m.TotalVolume)
	assert.Equal(t, int64(30), m.TotalFees)
}

func TestAddLiquidity_FirstDepositGeometricMean(t *testing.T) {
	e, _ := newTestEngine(t)
	lp := mustSeededPool(t, e, "ACME", 1_000_000, 4_000_000_000)

	// floor(sqrt(4e15))
	assert.Equal(t, int64(63_245_553), lp)
}

func TestAddLiquidity_MinimumLiquidityOption(t *testing.T) {
	e, _ := newTestEngine(t, engine.WithMinimumLiquidity(1_000))
	lp := mustSeededPool(t, e, "ACME", 1_000_000, 4_000_000_000)

	assert.Equal(t, int64(63_245_553-1_000), lp)
	p, err := e.GetPool("ACME", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(63_245_553), p.LPSupply)
	assert.Equal(t, int64(1_000), p.LockedLiquidity)
}

func TestRemoveLiquidity_ReturnsAtMostDeposit(t *testing.T) {
	e, _ := newTestEngine(t)
	lp := mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)

	res, err := e.RemoveLiquidity(engine.RemoveLiquidityRequest{Now: t0 + 1, MarketID: "ACME", Provider: "lp-1", LPAmount: lp})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.SecurityOut, int64(1_000_000))
	assert.LessOrEqual(t, res.QuoteOut, int64(2_000_000_000))
}

func TestQuote_MatchesSwapWithoutMutation(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	drainOutputs(persistCh)

	q, err := e.Quote(engine.QuoteRequest{MarketID: "ACME", AmountIn: 10_000, IsSecurityIn: true})
	require.NoError(t, err)
	assert.Empty(t, drainOutputs(persistCh))
	assert.True(t, q.ImpactAvailable)
	assert.Equal(t, int64(99), q.PriceImpactBps)

	res, err := e.Swap(engine.SwapRequest{Now: t0 + 1, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	require.NoError(t, err)
	assert.Equal(t, q.SwapResult, res)
}

func TestSwap_SlippageRejectedWithoutSideEffects(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	drainOutputs(persistCh)
	before, _ := e.GetPool("ACME", 0)

	_, err := e.Swap(engine.SwapRequest{Now: t0 + 1, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, MinAmountOut: 20_000_000, IsSecurityIn: true})
	require.ErrorIs(t, err, venue.ErrSlippageExceeded)

	after, _ := e.GetPool("ACME", 0)
	assert.Equal(t, before, after)
	assert.Empty(t, drainOutputs(persistCh))
}

// ============================================================================
// Test: Market pause asymmetry
// ============================================================================

func TestSwap_RejectsTimeBeforePoolUpdate(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)

	_, err := e.Swap(engine.SwapRequest{Now: t0 + 10_000_000, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	require.NoError(t, err)
	before, err := e.GetPool("ACME", 0)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		_, err := e.Swap(engine.SwapRequest{Now: t0 + 100*i, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
		assert.ErrorIs(t, err, venue.ErrInvalidParams)
	}
	_, err = e.AddLiquidity(engine.AddLiquidityRequest{Now: t0 + 100, MarketID: "ACME", Provider: "lp-1", SecurityAmount: 1_000, QuoteAmount: 2_000_000})
	assert.ErrorIs(t, err, venue.ErrInvalidParams)

	after, err := e.GetPool("ACME", 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPausedMarket_BlocksTradingButAcceptsLiquidity(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)

	_, err := e.PauseMarket(engine.MarketRequest{Now: t0 + 10, MarketID: "ACME"})
	require.NoError(t, err)

	_, err = e.Swap(engine.SwapRequest{Now: t0 + 20, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	assert.ErrorIs(t, err, venue.ErrMarketNotActive)

	_, err = e.OpenPosition(engine.OpenPositionRequest{Now: t0 + 20, MarketID: "ACME", Params: longParams("alice")})
	assert.ErrorIs(t, err, venue.ErrMarketNotActive)

	lp, err := e.AddLiquidity(engine.AddLiquidityRequest{Now: t0 + 20, MarketID: "ACME", Provider: "lp-2", SecurityAmount: 1_000, QuoteAmount: 2_000_000})
	require.NoError(t, err)
	assert.Positive(t, lp)

	_, err = e.ResumeMarket(engine.MarketRequest{Now: t0 + 30, MarketID: "ACME"})
	require.NoError(t, err)
	_, err = e.Swap(engine.SwapRequest{Now: t0 + 40, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	assert.NoError(t, err)
}

func TestMarketLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "ACME", market.MarketTypeEquity)

	_, err := e.CreateMarket(engine.CreateMarketRequest{Now: t0, Params: marketParams("ACME", market.MarketTypeEquity)})
	assert.ErrorIs(t, err, venue.ErrMarketExists)

	_, err = e.CloseMarket(engine.MarketRequest{Now: t0 + 1, MarketID: "ACME"})
	assert.ErrorIs(t, err, venue.ErrInvalidTransition)

	m, err := e.BeginSettlement(engine.MarketRequest{Now: t0 + 2, MarketID: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, market.StatusSettling, m.Status)

	m, err = e.CloseMarket(engine.MarketRequest{Now: t0 + 3, MarketID: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, market.StatusClosed, m.Status)

	_, err = e.ResumeMarket(engine.MarketRequest{Now: t0 + 4, MarketID: "ACME"})
	assert.ErrorIs(t, err, venue.ErrInvalidTransition)

	_, err = e.GetMarket("NOPE")
	assert.ErrorIs(t, err, venue.ErrMarketNotFound)
}

func TestUpdateFees(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "ACME", market.MarketTypeEquity)

	_, err := e.UpdateFees(engine.UpdateFeesRequest{Now: t0 + 1, MarketID: "ACME", TradingFeeBps: 0})
	assert.ErrorIs(t, err, venue.ErrInvalidFee)

	m, err := e.UpdateFees(engine.UpdateFeesRequest{Now: t0 + 1, MarketID: "ACME", TradingFeeBps: 50, ProtocolFeeBps: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.TradingFeeBps)
	assert.Equal(t, int64(10), m.ProtocolFeeBps)
}

// ============================================================================
// Test: Positions
// ============================================================================

func TestOpenPosition_LiquidationPriceSnapshot(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)

	pos, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)

	// entry - floor((10,000 - 5,000) * 1e6 / 100,000)
	assert.Equal(t, int64(950_000), pos.LiquidationPrice)

	_, err = e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	assert.ErrorIs(t, err, venue.ErrPositionExists)

	found, err := e.PositionFor("alice", "PERP")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, found.ID)
}

func TestLiquidatePosition(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)
	pos, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)

	// equity 6,000 still covers the 5,000 maintenance margin
	_, err = e.LiquidatePosition(engine.PositionPriceRequest{Now: t0 + 1, PositionID: pos.ID, Price: 960_000})
	require.ErrorIs(t, err, venue.ErrNotLiquidatable)

	ids, err := e.LiquidatablePositions("PERP", 949_000)
	require.NoError(t, err)
	assert.Equal(t, []string{pos.ID}, ids)

	s, err := e.LiquidatePosition(engine.PositionPriceRequest{Now: t0 + 2, PositionID: pos.ID, Price: 949_000})
	require.NoError(t, err)
	assert.Equal(t, int64(-5_100), s.PnL)
	assert.Equal(t, int64(4_900), s.Payout)
	assert.Zero(t, s.Deficit)

	closed, err := e.GetPosition(pos.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsOpen)
	assert.Equal(t, position.CloseReasonLiquidation, closed.CloseReason)

	_, err = e.PositionFor("alice", "PERP")
	assert.ErrorIs(t, err, venue.ErrPositionNotFound)

	// the owner may open again once the slot is free
	_, err = e.OpenPosition(engine.OpenPositionRequest{Now: t0 + 3, MarketID: "PERP", Params: longParams("alice")})
	assert.NoError(t, err)
}

func TestClosePosition_AllowedWhilePaused(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)
	pos, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)

	_, err = e.PauseMarket(engine.MarketRequest{Now: t0 + 1, MarketID: "PERP"})
	require.NoError(t, err)

	s, err := e.ClosePosition(engine.PositionPriceRequest{Now: t0 + 2, PositionID: pos.ID, Price: 1_010_000})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), s.PnL)
	assert.Equal(t, int64(11_000), s.Payout)

	_, err = e.ClosePosition(engine.PositionPriceRequest{Now: t0 + 3, PositionID: pos.ID, Price: 1_010_000})
	assert.ErrorIs(t, err, venue.ErrPositionNotFound)
}

func TestExitPosition_TakeProfit(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)
	params := longParams("alice")
	params.TakeProfit = 1_050_000
	params.StopLoss = 980_000
	pos, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: params})
	require.NoError(t, err)

	_, _, err = e.ExitPosition(engine.PositionPriceRequest{Now: t0 + 1, PositionID: pos.ID, Price: 1_000_000})
	assert.ErrorIs(t, err, venue.ErrInvalidParams)

	ids, err := e.TriggeredPositions("PERP", 1_060_000)
	require.NoError(t, err)
	assert.Equal(t, []string{pos.ID}, ids)

	s, reason, err := e.ExitPosition(engine.PositionPriceRequest{Now: t0 + 2, PositionID: pos.ID, Price: 1_060_000})
	require.NoError(t, err)
	assert.Equal(t, position.CloseReasonTakeProfit, reason)
	assert.Equal(t, int64(6_000), s.PnL)
}

func TestApplyMarketFunding(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)

	long, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)
	shortParams := longParams("bob")
	shortParams.Side = position.SideShort
	shortParams.Size = 50_000
	shortParams.Collateral = 5_000
	short, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: shortParams})
	require.NoError(t, err)
	drainOutputs(persistCh)

	preview, err := e.PreviewFunding("PERP", 1, t0+28_800)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), preview.TotalPaid)
	assert.Equal(t, int64(50_000), preview.TotalReceived)

	applied, err := e.ApplyMarketFunding(engine.MarketFundingRequest{Now: t0 + 28_800, MarketID: "PERP", Rate: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), applied.TotalPaid)
	assert.Equal(t, int64(50_000), applied.TotalReceived)
	assert.Len(t, applied.Payments, 2)

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 1)
	assert.Equal(t, event.EventTypeFundingApplied, outputs[0].Envelope.EventType)

	l, _ := e.GetPosition(long.ID)
	s, _ := e.GetPosition(short.ID)
	assert.Equal(t, int64(-100_000), l.AccumulatedFunding)
	assert.Equal(t, int64(50_000), s.AccumulatedFunding)
}

func TestApplyFunding_SinglePosition(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)
	pos, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)

	// 100,000 * 3 * 9,600 / 28,800
	delta, err := e.ApplyFunding(engine.FundingRequest{Now: t0 + 9_600, PositionID: pos.ID, Rate: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(-100_000), delta)
}

func TestVarianceSwapLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "VOL", market.MarketTypeVarianceSwap)

	params := longParams("alice")
	params.Type = position.TypeVarianceSwap
	pos, terms, err := e.OpenVarianceSwap(engine.OpenVarianceSwapRequest{
		Now: t0, MarketID: "VOL", Params: params,
		StrikeVariance: 40_000, Notional: 1_000_000, SettlementDate: t0 + 100,
	})
	require.NoError(t, err)
	assert.Equal(t, pos.ID, terms.PositionID)

	for _, sample := range []int64{50_000, 70_000} {
		_, err := e.ObserveVariance(engine.ObserveVarianceRequest{Now: t0 + 10, PositionID: pos.ID, Sample: sample})
		require.NoError(t, err)
	}
	v, err := e.GetVarianceSwap(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), v.RealizedVariance)
	assert.Equal(t, int64(2), v.ObservationCount)

	_, err = e.SettleVarianceSwap(engine.PositionRequest{Now: t0 + 99, PositionID: pos.ID})
	require.ErrorIs(t, err, venue.ErrNotSettleable)

	out, err := e.SettleVarianceSwap(engine.PositionRequest{Now: t0 + 100, PositionID: pos.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), out.Amount)
	assert.Equal(t, int64(10_000), out.Settlement.Payout)

	_, err = e.SettleVarianceSwap(engine.PositionRequest{Now: t0 + 101, PositionID: pos.ID})
	assert.ErrorIs(t, err, venue.ErrAlreadySettled)

	closed, _ := e.GetPosition(pos.ID)
	assert.False(t, closed.IsOpen)
}

// ============================================================================
// Test: Orders
// ============================================================================

func TestOrderLifecycle_BookFollowsFills(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "ACME", market.MarketTypeEquity)

	o, err := e.SubmitOrder(engine.SubmitOrderRequest{Now: t0, MarketID: "ACME", Params: order.SubmitParams{
		Owner: "alice", Side: order.SideBuy, Type: order.TypeLimit, Price: 990_000, Size: 10, TimeInForce: order.GTC,
	}})
	require.NoError(t, err)

	book, _ := e.GetBook("ACME")
	assert.Equal(t, int64(990_000), book.BestBid)
	assert.Equal(t, int64(10), book.BidVolume)

	filled, err := e.FillOrder(engine.FillOrderRequest{Now: t0 + 1, OrderID: o.ID, Amount: 4, Price: 990_000})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartiallyFilled, filled.Status)
	assert.Equal(t, filled.OriginalSize, filled.FilledSize+filled.RemainingSize)

	filled, err = e.FillOrder(engine.FillOrderRequest{Now: t0 + 2, OrderID: o.ID, Amount: 6, Price: 980_000})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, filled.Status)
	assert.Equal(t, int64(984_000), filled.AvgFillPrice)

	book, _ = e.GetBook("ACME")
	assert.Zero(t, book.BestBid)
	assert.Equal(t, int64(980_000), book.LastTradePrice)

	_, err = e.CancelOrder(engine.OrderRequest{Now: t0 + 3, OrderID: o.ID})
	assert.ErrorIs(t, err, venue.ErrOrderNotActive)
}

func TestSubmitOrder_ReduceOnlyNeedsOpposingPosition(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)
	params := order.SubmitParams{
		Owner: "alice", Side: order.SideSell, Type: order.TypeLimit, Price: 1_000_000, Size: 50_000,
		TimeInForce: order.GTC, ReduceOnly: true,
	}

	_, err := e.SubmitOrder(engine.SubmitOrderRequest{Now: t0, MarketID: "PERP", Params: params})
	require.ErrorIs(t, err, venue.ErrInvalidParams)

	_, err = e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)

	_, err = e.SubmitOrder(engine.SubmitOrderRequest{Now: t0, MarketID: "PERP", Params: params})
	assert.NoError(t, err)
}

func TestExpireOrders(t *testing.T) {
	e, _ := newTestEngine(t)
	mustMarket(t, e, "ACME", market.MarketTypeEquity)

	gtd, err := e.SubmitOrder(engine.SubmitOrderRequest{Now: t0, MarketID: "ACME", Params: order.SubmitParams{
		Owner: "alice", Side: order.SideSell, Type: order.TypeLimit, Price: 1_010_000, Size: 5,
		TimeInForce: order.GTD, ExpiresAt: t0 + 200,
	}})
	require.NoError(t, err)
	_, err = e.SubmitOrder(engine.SubmitOrderRequest{Now: t0, MarketID: "ACME", Params: order.SubmitParams{
		Owner: "bob", Side: order.SideBuy, Type: order.TypeLimit, Price: 990_000, Size: 5, TimeInForce: order.GTC,
	}})
	require.NoError(t, err)

	ids, err := e.ExpireOrders(engine.MarketRequest{Now: t0 + 199, MarketID: "ACME"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = e.ExpireOrders(engine.MarketRequest{Now: t0 + 200, MarketID: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, []string{gtd.ID}, ids)

	o, _ := e.GetOrder(gtd.ID)
	assert.Equal(t, order.StatusExpired, o.Status)

	active, _ := e.Orders("ACME", true)
	assert.Len(t, active, 1)
	book, _ := e.GetBook("ACME")
	assert.Zero(t, book.BestAsk)
	assert.Equal(t, int64(1), book.OrderCount)
}

// ============================================================================
// Test: Event chain & idempotency
// ============================================================================

func TestEvents_SequencedAndChained(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	_, err := e.Swap(engine.SwapRequest{Now: t0 + 1, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	require.NoError(t, err)

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 4)

	types := []event.EventType{
		event.EventTypeMarketCreated,
		event.EventTypePoolInitialized,
		event.EventTypeLiquidityAdded,
		event.EventTypeSwapExecuted,
	}
	envs := make([]*event.Envelope, len(outputs))
	for i, o := range outputs {
		envs[i] = o.Envelope
		assert.Equal(t, int64(i+1), o.Envelope.Sequence)
		assert.Equal(t, types[i], o.Envelope.EventType)
		assert.Equal(t, "ACME", o.Envelope.MarketID)
	}

	assert.Equal(t, -1, engine.VerifyChain(engine.NewStateHasher().GetPrevHash(), envs))
	assert.Equal(t, envs[3].StateHash, e.StateHash())
	assert.Equal(t, int64(4), e.Sequence())

	decoded, err := event.Decode(envs[3].EventType, envs[3].Payload)
	require.NoError(t, err)
	swap := decoded.(*event.SwapExecuted)
	assert.Equal(t, int64(19_743_160), swap.AmountOut)
}

func TestRequestID_DuplicateRejected(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	drainOutputs(persistCh)

	req := engine.SwapRequest{RequestID: "req-1", Now: t0 + 1, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true}
	_, err := e.Swap(req)
	require.NoError(t, err)

	_, err = e.Swap(req)
	assert.ErrorIs(t, err, venue.ErrDuplicateRequest)
	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 1)
	assert.Equal(t, "req-1", outputs[0].Envelope.RequestID)
}

func TestRequestID_RejectedRequestMayRetry(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)

	req := engine.SwapRequest{RequestID: "req-2", Now: t0 + 1, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, MinAmountOut: 30_000_000, IsSecurityIn: true}
	_, err := e.Swap(req)
	require.ErrorIs(t, err, venue.ErrSlippageExceeded)

	req.MinAmountOut = 0
	_, err = e.Swap(req)
	assert.NoError(t, err)
}

func TestConcurrentSwaps_KeepSequenceDense(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	mustSeededPool(t, e, "BETA", 1_000_000, 2_000_000_000)
	drainOutputs(persistCh)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			symbol := "ACME"
			if i%2 == 1 {
				symbol = "BETA"
			}
			_, _ = e.Swap(engine.SwapRequest{Now: t0 + 1, MarketID: symbol, Trader: "t", AmountIn: 1_000, IsSecurityIn: true})
		}(i)
	}
	wg.Wait()

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 50)
	envs := make([]*event.Envelope, len(outputs))
	for i, o := range outputs {
		envs[i] = o.Envelope
		assert.Equal(t, int64(6+i+1), o.Envelope.Sequence)
	}
	assert.Equal(t, -1, engine.VerifyChain(outputs[0].Envelope.PrevHash, envs))
}

// ============================================================================
// Test: Snapshot & restore
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	mustMarket(t, e, "PERP", market.MarketTypePerpetual)
	_, err := e.OpenPosition(engine.OpenPositionRequest{Now: t0, MarketID: "PERP", Params: longParams("alice")})
	require.NoError(t, err)
	_, err = e.SubmitOrder(engine.SubmitOrderRequest{Now: t0, MarketID: "ACME", Params: order.SubmitParams{
		Owner: "bob", Side: order.SideBuy, Type: order.TypeLimit, Price: 990_000, Size: 5, TimeInForce: order.GTC,
	}})
	require.NoError(t, err)

	snap := e.Snapshot()

	restored, _ := newTestEngine(t)
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, e.Sequence(), restored.Sequence())
	assert.Equal(t, e.StateHash(), restored.StateHash())
	assert.Equal(t, snap, restored.Snapshot())

	req := engine.SwapRequest{Now: t0 + 5, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true}
	a, err := e.Swap(req)
	require.NoError(t, err)
	b, err := restored.Swap(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = restored.OpenPosition(engine.OpenPositionRequest{Now: t0 + 5, MarketID: "PERP", Params: longParams("alice")})
	assert.ErrorIs(t, err, venue.ErrPositionExists)
}

// ============================================================================
// Test: Replay from the event log
// ============================================================================

func TestReplay_RebuildsStateFromEnvelopes(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	mustMarket(t, e, "VOL", market.MarketTypeVarianceSwap)

	_, err := e.Swap(engine.SwapRequest{RequestID: "swap-1", Now: t0 + 5, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	require.NoError(t, err)
	o, err := e.SubmitOrder(engine.SubmitOrderRequest{Now: t0 + 6, MarketID: "ACME", Params: order.SubmitParams{
		Owner: "bob", Side: order.SideBuy, Type: order.TypeLimit, Price: 990_000, Size: 5, TimeInForce: order.GTC,
	}})
	require.NoError(t, err)
	_, err = e.FillOrder(engine.FillOrderRequest{Now: t0 + 7, OrderID: o.ID, Amount: 2, Price: 990_000})
	require.NoError(t, err)

	params := longParams("carol")
	params.Type = position.TypeVarianceSwap
	pos, _, err := e.OpenVarianceSwap(engine.OpenVarianceSwapRequest{
		Now: t0 + 8, MarketID: "VOL", Params: params,
		StrikeVariance: 40_000, Notional: 1_000_000, SettlementDate: t0 + 100,
	})
	require.NoError(t, err)
	_, err = e.ObserveVariance(engine.ObserveVarianceRequest{Now: t0 + 9, PositionID: pos.ID, Sample: 50_000})
	require.NoError(t, err)

	replayed, _ := newTestEngine(t)
	for _, out := range drainOutputs(persistCh) {
		b, err := json.Marshal(out.Envelope)
		require.NoError(t, err)
		var env event.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		require.NoError(t, replayed.Replay(&env))
	}

	assert.Equal(t, e.Snapshot(), replayed.Snapshot())

	// applied request ids are remembered across replay
	_, err = replayed.Swap(engine.SwapRequest{RequestID: "swap-1", Now: t0 + 10, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	assert.ErrorIs(t, err, venue.ErrDuplicateRequest)

	// the owner's slot is occupied after replay
	_, _, err = replayed.OpenVarianceSwap(engine.OpenVarianceSwapRequest{
		Now: t0 + 10, MarketID: "VOL", Params: params,
		StrikeVariance: 40_000, Notional: 1_000_000, SettlementDate: t0 + 100,
	})
	assert.ErrorIs(t, err, venue.ErrPositionExists)
}

func TestReplay_RejectsGapsAndBrokenChain(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 3)

	replayed, _ := newTestEngine(t)
	assert.Error(t, replayed.Replay(outputs[1].Envelope))

	tampered := *outputs[0].Envelope
	tampered.Payload = []byte(`{"market":{}}`)
	assert.Error(t, replayed.Replay(&tampered))

	require.NoError(t, replayed.Replay(outputs[0].Envelope))
	assert.Equal(t, int64(1), replayed.Sequence())
}

func TestHalt_RejectsLaterCommands(t *testing.T) {
	e, persistCh := newTestEngine(t)
	mustSeededPool(t, e, "ACME", 1_000_000, 2_000_000_000)
	drainOutputs(persistCh)
	seq := e.Sequence()

	e.Halt()

	_, err := e.Swap(engine.SwapRequest{RequestID: "late", Now: t0 + 1, MarketID: "ACME", Trader: "alice", AmountIn: 10_000, IsSecurityIn: true})
	assert.ErrorIs(t, err, venue.ErrHalted)
	assert.Empty(t, drainOutputs(persistCh))
	assert.Equal(t, seq, e.Sequence())

	// reads and snapshots still work for the final snapshot
	_, err = e.GetPool("ACME", t0+1)
	assert.NoError(t, err)
	assert.Equal(t, seq, e.Snapshot().Sequence)
}
