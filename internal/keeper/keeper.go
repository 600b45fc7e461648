// Package keeper drives the time- and price-dependent transitions the engine
// never starts on its own: liquidations, funding accrual, order expiry and
// take-profit/stop-loss exits. Each job can be run once for a given clock or
// on a ticker.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/market"
	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/oracle"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"

	"github.com/rs/zerolog"
)

// Engine is the subset of the engine the keeper drives.
type Engine interface {
	ListMarkets() []*market.Market
	LiquidatablePositions(marketID string, price int64) ([]string, error)
	LiquidatePosition(req engine.PositionPriceRequest) (position.Settlement, error)
	TriggeredPositions(marketID string, price int64) ([]string, error)
	ExitPosition(req engine.PositionPriceRequest) (position.Settlement, position.CloseReason, error)
	ApplyMarketFunding(req engine.MarketFundingRequest) (*event.FundingApplied, error)
	ExpireOrders(req engine.MarketRequest) ([]string, error)
}

const (
	JobLiquidation = "liquidation"
	JobFunding     = "funding"
	JobExpiry      = "expiry"
	JobExit        = "exit"
)

type Config struct {
	LiquidationInterval time.Duration
	FundingInterval     time.Duration
	ExpiryInterval      time.Duration
	ExitInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		LiquidationInterval: time.Second,
		FundingInterval:     time.Hour,
		ExpiryInterval:      10 * time.Second,
		ExitInterval:        time.Second,
	}
}

type Keeper struct {
	engine  Engine
	prices  oracle.PriceSource
	cfg     Config
	clock   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type Option func(*Keeper)

// WithClock replaces the wall clock used by Run.
func WithClock(clock func() time.Time) Option {
	return func(k *Keeper) { k.clock = clock }
}

func WithLogger(l zerolog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// New creates a keeper. metrics may be nil.
func New(e Engine, prices oracle.PriceSource, cfg Config, metrics *observability.Metrics, opts ...Option) *Keeper {
	k := &Keeper{
		engine:  e,
		prices:  prices,
		cfg:     cfg,
		clock:   time.Now,
		metrics: metrics,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run starts a ticker per job with a positive interval and blocks until ctx
// is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context, int64) error
	}{
		{JobLiquidation, k.cfg.LiquidationInterval, k.RunLiquidations},
		{JobFunding, k.cfg.FundingInterval, k.RunFunding},
		{JobExpiry, k.cfg.ExpiryInterval, k.RunExpiry},
		{JobExit, k.cfg.ExitInterval, k.RunExits},
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.interval <= 0 {
			k.logger.Info().Str("job", j.name).Msg("keeper job disabled")
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context, int64) error) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					if err := fn(ctx, t.Unix()); err != nil && !errors.Is(err, context.Canceled) {
						k.logger.Error().Err(err).Str("job", name).Msg("keeper sweep failed")
					}
				}
			}
		}(j.name, j.interval, j.fn)
	}

	k.logger.Info().Msg("keeper started")
	<-ctx.Done()
	wg.Wait()
	k.logger.Info().Msg("keeper stopped")
	return ctx.Err()
}

// RunOnce performs every job once at now.
func (k *Keeper) RunOnce(ctx context.Context, now int64) error {
	return errors.Join(
		k.RunExits(ctx, now),
		k.RunLiquidations(ctx, now),
		k.RunFunding(ctx, now),
		k.RunExpiry(ctx, now),
	)
}

// oracleRef is the feed key for a market; markets without an explicit
// binding are priced under their symbol.
func oracleRef(m *market.Market) string {
	if m.OracleRef != "" {
		return m.OracleRef
	}
	return m.Symbol
}

// derivativeMarkets returns the markets whose positions still need
// attention.
func (k *Keeper) derivativeMarkets() []*market.Market {
	var out []*market.Market
	for _, m := range k.engine.ListMarkets() {
		if m.IsDerivative() && m.Status != market.StatusClosed {
			out = append(out, m)
		}
	}
	return out
}

func (k *Keeper) begin(job string) {
	if k.metrics != nil {
		k.metrics.KeeperRuns.WithLabelValues(job).Inc()
	}
}

func (k *Keeper) acted(job string) {
	if k.metrics != nil {
		k.metrics.KeeperActions.WithLabelValues(job).Inc()
	}
}

func (k *Keeper) failed(job string) {
	if k.metrics != nil {
		k.metrics.KeeperErrors.WithLabelValues(job).Inc()
	}
}

// raced reports errors caused by another actor getting to the record first,
// the price moving between scan and action, or shutdown.
func raced(err error) bool {
	return errors.Is(err, venue.ErrPositionNotFound) ||
		errors.Is(err, venue.ErrNotLiquidatable) ||
		errors.Is(err, venue.ErrInvalidParams) ||
		errors.Is(err, venue.ErrHalted)
}

// RunLiquidations liquidates every open position below maintenance margin at
// its market's oracle price.
func (k *Keeper) RunLiquidations(ctx context.Context, now int64) error {
	k.begin(JobLiquidation)
	var errs []error
	for _, m := range k.derivativeMarkets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		price, ok := k.prices.Price(oracleRef(m))
		if !ok {
			continue
		}
		ids, err := k.engine.LiquidatablePositions(m.Symbol, price.Value)
		if err != nil {
			k.failed(JobLiquidation)
			errs = append(errs, fmt.Errorf("scan %s: %w", m.Symbol, err))
			continue
		}
		for _, id := range ids {
			s, err := k.engine.LiquidatePosition(engine.PositionPriceRequest{
				Now:        now,
				PositionID: id,
				Price:      price.Value,
			})
			switch {
			case err == nil:
				k.acted(JobLiquidation)
				k.logger.Info().
					Str("market", m.Symbol).
					Str("position_id", id).
					Str("price", fpmath.FormatPrice(price.Value)).
					Int64("deficit", s.Deficit).
					Msg("position liquidated")
			case raced(err):
				k.logger.Debug().Err(err).Str("position_id", id).Msg("liquidation skipped")
			default:
				k.failed(JobLiquidation)
				errs = append(errs, fmt.Errorf("liquidate %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RunExits closes every open position whose take-profit or stop-loss is
// crossed at its market's oracle price.
func (k *Keeper) RunExits(ctx context.Context, now int64) error {
	k.begin(JobExit)
	var errs []error
	for _, m := range k.derivativeMarkets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		price, ok := k.prices.Price(oracleRef(m))
		if !ok {
			continue
		}
		ids, err := k.engine.TriggeredPositions(m.Symbol, price.Value)
		if err != nil {
			k.failed(JobExit)
			errs = append(errs, fmt.Errorf("scan %s: %w", m.Symbol, err))
			continue
		}
		for _, id := range ids {
			_, reason, err := k.engine.ExitPosition(engine.PositionPriceRequest{
				Now:        now,
				PositionID: id,
				Price:      price.Value,
			})
			switch {
			case err == nil:
				k.acted(JobExit)
				k.logger.Info().
					Str("market", m.Symbol).
					Str("position_id", id).
					Str("reason", reason.String()).
					Msg("position exited")
			case raced(err):
				k.logger.Debug().Err(err).Str("position_id", id).Msg("exit skipped")
			default:
				k.failed(JobExit)
				errs = append(errs, fmt.Errorf("exit %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// FundingRequestID names one funding accrual so a sweep repeated for the same
// market and second is applied once.
func FundingRequestID(marketID string, now int64) string {
	return fmt.Sprintf("keeper:funding:%s:%d", marketID, now)
}

// RunFunding accrues the latest oracle funding rate on every derivative
// market that has one. Elapsed time is measured per position, so irregular
// sweep spacing is harmless.
func (k *Keeper) RunFunding(ctx context.Context, now int64) error {
	k.begin(JobFunding)
	var errs []error
	for _, m := range k.derivativeMarkets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rate, ok := k.prices.FundingRate(oracleRef(m))
		if !ok {
			continue
		}
		evt, err := k.engine.ApplyMarketFunding(engine.MarketFundingRequest{
			RequestID: FundingRequestID(m.Symbol, now),
			Now:       now,
			MarketID:  m.Symbol,
			Rate:      rate.Value,
		})
		switch {
		case err == nil:
			k.acted(JobFunding)
			k.logger.Debug().
				Str("market", m.Symbol).
				Int64("rate", rate.Value).
				Int("payments", len(evt.Payments)).
				Msg("funding applied")
		case errors.Is(err, venue.ErrDuplicateRequest):
		default:
			k.failed(JobFunding)
			errs = append(errs, fmt.Errorf("funding %s: %w", m.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// RunExpiry expires lapsed orders in every market.
func (k *Keeper) RunExpiry(ctx context.Context, now int64) error {
	k.begin(JobExpiry)
	var errs []error
	for _, m := range k.engine.ListMarkets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := k.engine.ExpireOrders(engine.MarketRequest{Now: now, MarketID: m.Symbol})
		if err != nil {
			k.failed(JobExpiry)
			errs = append(errs, fmt.Errorf("expire %s: %w", m.Symbol, err))
			continue
		}
		for range ids {
			k.acted(JobExpiry)
		}
		if len(ids) > 0 {
			k.logger.Info().Str("market", m.Symbol).Strs("order_ids", ids).Msg("orders expired")
		}
	}
	return errors.Join(errs...)
}
