package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"SecuritiesVenue/internal/compliance"
	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/ingestion"
	"SecuritiesVenue/internal/market"
	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/oracle"
	"SecuritiesVenue/internal/order"
	"SecuritiesVenue/internal/pool"
	"SecuritiesVenue/internal/position"
	"SecuritiesVenue/internal/venue"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Service is the venue API. Every method stamps Now from the server clock,
// validates its request, runs the compliance check for trader commands and
// forwards to the engine. A client-supplied now is overwritten.
type Service struct {
	engine   *engine.Engine
	checker  compliance.Checker
	feed     *ingestion.ManualFeed
	validate *validator.Validate
	clock    func() time.Time
	started  time.Time
	logger   zerolog.Logger
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = now }
}

func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wires the API to the engine. A nil checker allows every
// identity; a nil feed disables oracle injection.
func NewService(e *engine.Engine, checker compliance.Checker, feed *ingestion.ManualFeed, opts ...ServiceOption) *Service {
	if checker == nil {
		checker = compliance.AllowAll{}
	}
	s := &Service{
		engine:   e,
		checker:  checker,
		feed:     feed,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock()
	return s
}

func (s *Service) stamp(now *int64) {
	*now = s.clock().Unix()
}

func (s *Service) check(ctx context.Context, identity string, action compliance.Action, leverage int64) error {
	if err := s.checker.Check(ctx, identity, action, leverage); err != nil {
		s.logger.Info().Err(err).Str("identity", identity).Stringer("action", action).Msg("compliance rejected")
		return err
	}
	return nil
}

// --- Query and result messages ---

type MarketQuery struct {
	MarketID string `json:"market_id" validate:"required,max=10"`
}

type PositionQuery struct {
	PositionID string `json:"position_id" validate:"required"`
}

type OrderQuery struct {
	OrderID string `json:"order_id" validate:"required"`
}

type ListOrdersQuery struct {
	MarketID   string `json:"market_id" validate:"required,max=10"`
	ActiveOnly bool   `json:"active_only"`
}

func (q *ListOrdersQuery) bindQuery(values map[string][]string) error {
	if v, ok := values["active_only"]; ok && len(v) > 0 {
		b, err := strconv.ParseBool(v[0])
		if err != nil {
			return fmt.Errorf("%w: active_only %q", venue.ErrInvalidParams, v[0])
		}
		q.ActiveOnly = b
	}
	return nil
}

type FundingPreviewQuery struct {
	MarketID string `json:"market_id" validate:"required,max=10"`
	Rate     int64  `json:"rate"`
	Now      int64  `json:"now"`
}

func (q *FundingPreviewQuery) bindQuery(values map[string][]string) error {
	for key, dst := range map[string]*int64{"rate": &q.Rate, "now": &q.Now} {
		v, ok := values[key]
		if !ok || len(v) == 0 {
			continue
		}
		n, err := strconv.ParseInt(v[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s %q", venue.ErrInvalidParams, key, v[0])
		}
		*dst = n
	}
	return nil
}

type Empty struct{}

type MarketList struct {
	Markets []*market.Market `json:"markets"`
}

type PositionList struct {
	Positions []*position.Position `json:"positions"`
}

type OrderList struct {
	Orders []*order.Order `json:"orders"`
}

type LiquidityResult struct {
	LPMinted int64 `json:"lp_minted"`
}

type FundingResult struct {
	Payment int64 `json:"payment"`
}

type VarianceSwapResult struct {
	Position *position.Position         `json:"position"`
	Swap     *position.VarianceSwapData `json:"variance_swap"`
}

type ExpiredOrders struct {
	OrderIDs []string `json:"order_ids"`
}

type SystemStatus struct {
	Sequence      int64      `json:"sequence"`
	StateHash     event.Hash `json:"state_hash"`
	Markets       int        `json:"markets"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

type Ack struct {
	Sequence int64 `json:"sequence"`
}

type OracleInjectRequest struct {
	Ref   string `json:"ref" validate:"required"`
	Kind  string `json:"kind" validate:"required,oneof=price funding variance"`
	Value string `json:"value" validate:"required"`
}

// --- Markets ---

func (s *Service) CreateMarket(_ context.Context, req *engine.CreateMarketRequest) (*market.Market, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	m, err := s.engine.CreateMarket(*req)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("market", m.Symbol).
		Stringer("type", m.Type).
		Str("trading_fee", fpmath.FormatBps(m.TradingFeeBps)).
		Str("protocol_fee", fpmath.FormatBps(m.ProtocolFeeBps)).
		Msg("market created")
	return m, nil
}

func (s *Service) transition(req *engine.MarketRequest, apply func(engine.MarketRequest) (*market.Market, error)) (*market.Market, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return apply(*req)
}

func (s *Service) PauseMarket(_ context.Context, req *engine.MarketRequest) (*market.Market, error) {
	return s.transition(req, s.engine.PauseMarket)
}

func (s *Service) ResumeMarket(_ context.Context, req *engine.MarketRequest) (*market.Market, error) {
	return s.transition(req, s.engine.ResumeMarket)
}

func (s *Service) BeginSettlement(_ context.Context, req *engine.MarketRequest) (*market.Market, error) {
	return s.transition(req, s.engine.BeginSettlement)
}

func (s *Service) CloseMarket(_ context.Context, req *engine.MarketRequest) (*market.Market, error) {
	return s.transition(req, s.engine.CloseMarket)
}

func (s *Service) SetMarketActive(_ context.Context, req *engine.SetActiveRequest) (*market.Market, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.SetMarketActive(*req)
}

func (s *Service) UpdateFees(_ context.Context, req *engine.UpdateFeesRequest) (*market.Market, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.UpdateFees(*req)
}

func (s *Service) GetMarket(_ context.Context, req *MarketQuery) (*market.Market, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.GetMarket(req.MarketID)
}

func (s *Service) ListMarkets(context.Context, *Empty) (*MarketList, error) {
	return &MarketList{Markets: s.engine.ListMarkets()}, nil
}

// --- Pools ---

func (s *Service) InitializePool(_ context.Context, req *engine.MarketRequest) (*pool.Pool, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.InitializePool(*req)
}

func (s *Service) SetPoolActive(_ context.Context, req *engine.SetActiveRequest) (*Ack, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.engine.SetPoolActive(*req); err != nil {
		return nil, err
	}
	return &Ack{Sequence: s.engine.Sequence()}, nil
}

func (s *Service) AddLiquidity(ctx context.Context, req *engine.AddLiquidityRequest) (*LiquidityResult, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.check(ctx, req.Provider, compliance.ActionProvideLiquidity, 0); err != nil {
		return nil, err
	}
	lp, err := s.engine.AddLiquidity(*req)
	if err != nil {
		return nil, err
	}
	return &LiquidityResult{LPMinted: lp}, nil
}

// RemoveLiquidity is not gated: a provider can always withdraw.
func (s *Service) RemoveLiquidity(_ context.Context, req *engine.RemoveLiquidityRequest) (*engine.RemoveLiquidityResult, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	res, err := s.engine.RemoveLiquidity(*req)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) Swap(ctx context.Context, req *engine.SwapRequest) (*pool.SwapResult, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.check(ctx, req.Trader, compliance.ActionSpotTrade, 0); err != nil {
		return nil, err
	}
	res, err := s.engine.Swap(*req)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) Quote(_ context.Context, req *engine.QuoteRequest) (*engine.QuoteResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	res, err := s.engine.Quote(*req)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) GetPool(_ context.Context, req *MarketQuery) (*pool.Pool, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.GetPool(req.MarketID, s.clock().Unix())
}

func (s *Service) GetBook(_ context.Context, req *MarketQuery) (*order.Book, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.GetBook(req.MarketID)
}

// --- Positions ---

func (s *Service) OpenPosition(ctx context.Context, req *engine.OpenPositionRequest) (*position.Position, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.check(ctx, req.Params.Owner, compliance.ActionDerivatives, req.Params.Leverage); err != nil {
		return nil, err
	}
	return s.engine.OpenPosition(*req)
}

func (s *Service) OpenVarianceSwap(ctx context.Context, req *engine.OpenVarianceSwapRequest) (*VarianceSwapResult, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.check(ctx, req.Params.Owner, compliance.ActionDerivatives, req.Params.Leverage); err != nil {
		return nil, err
	}
	p, v, err := s.engine.OpenVarianceSwap(*req)
	if err != nil {
		return nil, err
	}
	return &VarianceSwapResult{Position: p, Swap: v}, nil
}

func (s *Service) settle(req *engine.PositionPriceRequest, apply func(engine.PositionPriceRequest) (position.Settlement, error)) (*position.Settlement, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	st, err := apply(*req)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) ClosePosition(_ context.Context, req *engine.PositionPriceRequest) (*position.Settlement, error) {
	return s.settle(req, s.engine.ClosePosition)
}

func (s *Service) LiquidatePosition(_ context.Context, req *engine.PositionPriceRequest) (*position.Settlement, error) {
	return s.settle(req, s.engine.LiquidatePosition)
}

func (s *Service) ApplyFunding(_ context.Context, req *engine.FundingRequest) (*FundingResult, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	payment, err := s.engine.ApplyFunding(*req)
	if err != nil {
		return nil, err
	}
	return &FundingResult{Payment: payment}, nil
}

func (s *Service) ApplyMarketFunding(_ context.Context, req *engine.MarketFundingRequest) (*event.FundingApplied, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.ApplyMarketFunding(*req)
}

func (s *Service) PreviewFunding(_ context.Context, req *FundingPreviewQuery) (*FundingResult, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	sweep, err := s.engine.PreviewFunding(req.MarketID, req.Rate, req.Now)
	if err != nil {
		return nil, err
	}
	return &FundingResult{Payment: sweep.Imbalance()}, nil
}

func (s *Service) ObserveVariance(_ context.Context, req *engine.ObserveVarianceRequest) (*position.VarianceSwapData, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.ObserveVariance(*req)
}

func (s *Service) SettleVarianceSwap(_ context.Context, req *engine.PositionRequest) (*engine.VarianceSettlement, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	res, err := s.engine.SettleVarianceSwap(*req)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) GetPosition(_ context.Context, req *PositionQuery) (*position.Position, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.GetPosition(req.PositionID)
}

func (s *Service) ListPositions(_ context.Context, req *MarketQuery) (*PositionList, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	ps, err := s.engine.OpenPositions(req.MarketID)
	if err != nil {
		return nil, err
	}
	return &PositionList{Positions: ps}, nil
}

// --- Orders ---

func (s *Service) SubmitOrder(ctx context.Context, req *engine.SubmitOrderRequest) (*order.Order, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.check(ctx, req.Params.Owner, compliance.ActionSpotTrade, 0); err != nil {
		return nil, err
	}
	return s.engine.SubmitOrder(*req)
}

func (s *Service) FillOrder(_ context.Context, req *engine.FillOrderRequest) (*order.Order, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.FillOrder(*req)
}

func (s *Service) CancelOrder(_ context.Context, req *engine.OrderRequest) (*order.Order, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.CancelOrder(*req)
}

func (s *Service) ExpireOrder(_ context.Context, req *engine.OrderRequest) (*order.Order, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.ExpireOrder(*req)
}

func (s *Service) ExpireOrders(_ context.Context, req *engine.MarketRequest) (*ExpiredOrders, error) {
	s.stamp(&req.Now)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	ids, err := s.engine.ExpireOrders(*req)
	if err != nil {
		return nil, err
	}
	return &ExpiredOrders{OrderIDs: ids}, nil
}

func (s *Service) GetOrder(_ context.Context, req *OrderQuery) (*order.Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.engine.GetOrder(req.OrderID)
}

func (s *Service) ListOrders(_ context.Context, req *ListOrdersQuery) (*OrderList, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	orders, err := s.engine.Orders(req.MarketID, req.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return &OrderList{Orders: orders}, nil
}

// --- Oracle ---

func (s *Service) InjectOracle(ctx context.Context, req *OracleInjectRequest) (*oracle.Update, error) {
	if s.feed == nil {
		return nil, fmt.Errorf("%w: manual oracle feed disabled", venue.ErrInvalidParams)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	kind, err := oracle.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	u, err := s.feed.Inject(ctx, req.Ref, kind, req.Value)
	if err != nil {
		return nil, err
	}
	ev := s.logger.Info().Str("ref", u.Ref).Stringer("kind", u.Kind)
	if u.Kind == oracle.KindPrice {
		ev = ev.Str("value", fpmath.FormatPrice(u.Value))
	} else {
		ev = ev.Int64("value", u.Value)
	}
	ev.Msg("oracle value injected")
	return &u, nil
}

func (s *Service) GetSystemStatus(context.Context, *Empty) (*SystemStatus, error) {
	return &SystemStatus{
		Sequence:      s.engine.Sequence(),
		StateHash:     s.engine.StateHash(),
		Markets:       len(s.engine.MarketIDs()),
		UptimeSeconds: int64(s.clock().Sub(s.started).Seconds()),
	}, nil
}
