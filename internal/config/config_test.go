package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"SecuritiesVenue/internal/compliance"
	"SecuritiesVenue/internal/config"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/testutil"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(vars map[string]string) (*config.Config, error) {
	return config.LoadWith(env.Options{Environment: vars})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 50, cfg.PersistBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, time.Hour, cfg.FundingInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.ManualOracle)
	assert.Empty(t, cfg.BootstrapFile)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(map[string]string{
		"VENUE_PERSIST_BATCH_SIZE": "500",
		"VENUE_FUNDING_INTERVAL":   "0s",
		"VENUE_REDIS_URL":          "",
		"VENUE_LOG_LEVEL":          "debug",
		"VENUE_MINIMUM_LIQUIDITY":  "1000",
	})
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.PersistBatchSize)
	assert.Equal(t, int64(1000), cfg.MinimumLiquidity)
	assert.Zero(t, cfg.Keeper().FundingInterval, "zero disables the job")
	assert.Equal(t, time.Second, cfg.Keeper().LiquidationInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"batch above bind limit": {"VENUE_PERSIST_BATCH_SIZE": "6000"},
		"zero batch":             {"VENUE_PERSIST_BATCH_SIZE": "0"},
		"unknown log level":      {"VENUE_LOG_LEVEL": "trace"},
		"negative interval":      {"VENUE_EXPIRY_INTERVAL": "-1s"},
		"not a duration":         {"VENUE_SNAPSHOT_INTERVAL": "often"},
		"negative liquidity":     {"VENUE_MINIMUM_LIQUIDITY": "-1"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := load(vars)
			assert.Error(t, err)
		})
	}
}

const bootstrapYAML = `
markets:
  - symbol: ACME
    name: ACME Holdings
    security_asset: ACME
    quote_asset: USDC
    oracle_ref: feed/ACME
    type: Equity
    trading_fee_bps: 30
    protocol_fee_bps: 5
    min_trade_size: 1
    pool: true
  - symbol: PERP
    name: ACME Perpetual
    security_asset: ACME
    quote_asset: USDC
    type: Perpetual
    trading_fee_bps: 10
identities:
  alice:
    level: standard
    jurisdiction: japan
  carol:
    level: Enhanced
    jurisdiction: USA
`

func TestParseBootstrap(t *testing.T) {
	b, err := config.ParseBootstrap([]byte(bootstrapYAML))
	require.NoError(t, err)
	require.Len(t, b.Markets, 2)

	p, err := b.Markets[1].Params()
	require.NoError(t, err)
	assert.Equal(t, market.MarketTypePerpetual, p.Type)

	r := b.Registry(compliance.DefaultPolicy())
	require.NotNil(t, r)
	prof, ok := r.Profile("alice")
	require.True(t, ok)
	assert.Equal(t, compliance.KYCStandard, prof.Level)
	assert.ErrorIs(t, r.Check(context.Background(), "carol", compliance.ActionDerivatives, 2), compliance.ErrRestrictedRegion)
}

func TestParseBootstrap_Invalid(t *testing.T) {
	tests := map[string]string{
		"duplicate symbol": `
markets:
  - {symbol: ACME, security_asset: ACME, quote_asset: USDC, type: Equity, trading_fee_bps: 30}
  - {symbol: ACME, security_asset: ACME, quote_asset: USDC, type: Equity, trading_fee_bps: 30}
`,
		"zero trading fee": `
markets:
  - {symbol: ACME, security_asset: ACME, quote_asset: USDC, type: Equity, trading_fee_bps: 0}
`,
		"unknown market type": `
markets:
  - {symbol: ACME, security_asset: ACME, quote_asset: USDC, type: Bond, trading_fee_bps: 30}
`,
		"symbol too long": `
markets:
  - {symbol: ABCDEFGHIJK, security_asset: ACME, quote_asset: USDC, type: Equity, trading_fee_bps: 30}
`,
		"unknown kyc level": `
identities:
  alice: {level: platinum, jurisdiction: japan}
`,
		"not yaml": "markets: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseBootstrap([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestBootstrap_ApplyIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bootstrapYAML), 0o600))

	b, err := config.LoadBootstrap(path)
	require.NoError(t, err)

	e, _ := testutil.NewEngine(t)
	created, err := b.Apply(e, testutil.T0)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	_, err = e.GetPool("ACME", testutil.T0)
	assert.NoError(t, err)
	_, err = e.GetPool("PERP", testutil.T0)
	assert.Error(t, err, "no pool requested")

	created, err = b.Apply(e, testutil.T0+60)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Len(t, e.ListMarkets(), 2)
}

func TestBootstrap_NoIdentitiesLeavesAPIOpen(t *testing.T) {
	b, err := config.ParseBootstrap([]byte("markets: []\n"))
	require.NoError(t, err)
	assert.Nil(t, b.Registry(compliance.DefaultPolicy()))
}
