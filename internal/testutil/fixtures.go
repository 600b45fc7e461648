package testutil

import (
	"testing"
	"time"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/position"

	"github.com/prometheus/client_golang/prometheus"
)

// T0 is the clock every fixture starts from.
const T0 = int64(1_700_000_000)

// Clock is a manually advanced time source.
type Clock struct {
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(T0, 0)}
}

func (c *Clock) Now() time.Time { return c.now }

func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// NewEngine returns an engine with a buffered persist channel, no publisher
// and no DB checker, registered on a private metrics registry.
func NewEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, chan engine.Output) {
	t.Helper()
	persistCh := make(chan engine.Output, 1024)
	e := engine.New(persistCh, nil, nil, observability.NewMetrics(prometheus.NewRegistry()), opts...)
	return e, persistCh
}

// Drain returns every output currently buffered in ch.
func Drain(ch chan engine.Output) []engine.Output {
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

// MarketParams is a valid 30/5 bps market quoted in USDC.
func MarketParams(symbol string, typ market.MarketType) market.Params {
	return market.Params{
		Symbol:         symbol,
		Name:           symbol + " Holdings",
		SecurityAsset:  symbol,
		QuoteAsset:     "USDC",
		OracleRef:      symbol,
		Type:           typ,
		TradingFeeBps:  30,
		ProtocolFeeBps: 5,
		MinTradeSize:   1,
	}
}

// SeededPool creates an equity market with a pool holding the given
// reserves and returns the LP amount minted.
func SeededPool(t *testing.T, e *engine.Engine, symbol string, security, quote int64) int64 {
	t.Helper()
	if _, err := e.CreateMarket(engine.CreateMarketRequest{Now: T0, Params: MarketParams(symbol, market.MarketTypeEquity)}); err != nil {
		t.Fatalf("create market %s: %v", symbol, err)
	}
	if _, err := e.InitializePool(engine.MarketRequest{Now: T0, MarketID: symbol}); err != nil {
		t.Fatalf("initialize pool %s: %v", symbol, err)
	}
	lp, err := e.AddLiquidity(engine.AddLiquidityRequest{
		Now: T0, MarketID: symbol, Provider: "lp-1", SecurityAmount: security, QuoteAmount: quote,
	})
	if err != nil {
		t.Fatalf("seed pool %s: %v", symbol, err)
	}
	return lp
}

// LongPerp is a 10x long of 100,000 at 1.0 with 10,000 collateral.
func LongPerp(owner string) position.OpenParams {
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
