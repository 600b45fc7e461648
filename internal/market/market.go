// Package market is the registry record shared by a market's pool, order
// book and positions: identity, fee schedule, trade-size bounds, trading
// status and volume counters.
package market

import (
	"fmt"
	"unicode"

	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/venue"
)

const (
	MaxSymbolLen = 10
	MaxNameLen   = 50
	ISINLen      = 12

	// VolumeWindowSeconds is the length of the rolling volume window.
	VolumeWindowSeconds = fpmath.SecondsPerDay
)

type MarketType int32

const (
	MarketTypeEquity MarketType = iota
	MarketTypeRWA
	MarketTypePerpetual
	MarketTypeFundingSwap
	MarketTypeVarianceSwap
)

func (t MarketType) String() string {
	switch t {
	case MarketTypeEquity:
		return "Equity"
	case MarketTypeRWA:
		return "RWA"
	case MarketTypePerpetual:
		return "Perpetual"
	case MarketTypeFundingSwap:
		return "FundingSwap"
	case MarketTypeVarianceSwap:
		return "VarianceSwap"
	default:
		return "Unknown"
	}
}

// ParseMarketType is the inverse of MarketType.String.
func ParseMarketType(s string) (MarketType, error) {
	for t := MarketTypeEquity; t <= MarketTypeVarianceSwap; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown market type %q", venue.ErrInvalidParams, s)
}

type Status int32

const (
	StatusActive Status = iota
	StatusPaused
	StatusSettling
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusPaused:
		return "Paused"
	case StatusSettling:
		return "Settling"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Closed is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusActive:   {StatusPaused, StatusSettling},
		StatusPaused:   {StatusActive, StatusSettling},
		StatusSettling: {StatusClosed},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Params is the authority-supplied configuration of a new market.
type Params struct {
	Symbol         string     `json:"symbol"`
	Name           string     `json:"name"`
	ISIN           string     `json:"isin"` // optional
	SecurityAsset  string     `json:"security_asset"`
	QuoteAsset     string     `json:"quote_asset"`
	OracleRef      string     `json:"oracle_ref"`
	Type           MarketType `json:"market_type"`
	TradingFeeBps  int64      `json:"trading_fee_bps"`
	ProtocolFeeBps int64      `json:"protocol_fee_bps"`
	MinTradeSize   int64      `json:"min_trade_size"`
	MaxTradeSize   int64      `json:"max_trade_size"` // 0 = unlimited
}

// Validate rejects malformed identity and fee configurations. A zero trading
// fee is forbidden because the protocol share divides by it.
func (p Params) Validate() error {
	if len(p.Symbol) == 0 || len(p.Symbol) > MaxSymbolLen {
		return fmt.Errorf("%w: symbol must be 1-%d characters", venue.ErrInvalidParams, MaxSymbolLen)
	}
	if len(p.Name) > MaxNameLen {
		return fmt.Errorf("%w: name longer than %d characters", venue.ErrInvalidParams, MaxNameLen)
	}
	if p.ISIN != "" && !validISIN(p.ISIN) {
		return fmt.Errorf("%w: isin %q", venue.ErrInvalidParams, p.ISIN)
	}
	if p.SecurityAsset == "" || p.QuoteAsset == "" {
		return fmt.Errorf("%w: security and quote assets required", venue.ErrInvalidParams)
	}
	if p.Type < MarketTypeEquity || p.Type > MarketTypeVarianceSwap {
		return fmt.Errorf("%w: market type %d", venue.ErrInvalidParams, p.Type)
	}
	if err := ValidateFees(p.TradingFeeBps, p.ProtocolFeeBps); err != nil {
		return err
	}
	if p.MinTradeSize < 0 || p.MaxTradeSize < 0 {
		return fmt.Errorf("%w: trade size bounds must be non-negative", venue.ErrInvalidParams)
	}
	if p.MaxTradeSize > 0 && p.MinTradeSize > p.MaxTradeSize {
		return fmt.Errorf("%w: min trade size %d exceeds max %d", venue.ErrInvalidParams, p.MinTradeSize, p.MaxTradeSize)
	}
	return nil
}

func ValidateFees(tradingBps, protocolBps int64) error {
	if tradingBps <= 0 || tradingBps > fpmath.BasisPoints {
		return fmt.Errorf("%w: trading fee %d bps outside (0, %d]", venue.ErrInvalidFee, tradingBps, fpmath.BasisPoints)
	}
	if protocolBps < 0 || protocolBps > tradingBps {
		return fmt.Errorf("%w: protocol fee %d bps outside [0, %d]", venue.ErrInvalidFee, protocolBps, tradingBps)
	}
	return nil
}

func validISIN(s string) bool {
	if len(s) != ISINLen {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsUpper(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

// Market is addressed by its symbol.
type Market struct {
	Symbol         string     `json:"symbol"`
	Name           string     `json:"name"`
	ISIN           string     `json:"isin,omitempty"`
	SecurityAsset  string     `json:"security_asset"`
	QuoteAsset     string     `json:"quote_asset"`
	OracleRef      string     `json:"oracle_ref"`
	Type           MarketType `json:"market_type"`
	Status         Status     `json:"status"`
	IsActive       bool       `json:"is_active"`
	TradingFeeBps  int64      `json:"trading_fee_bps"`
	ProtocolFeeBps int64      `json:"protocol_fee_bps"`
	MinTradeSize   int64      `json:"min_trade_size"`
	MaxTradeSize   int64      `json:"max_trade_size"`
	TotalVolume    int64      `json:"total_volume"`
	TotalFees      int64      `json:"total_fees"`
	Volume24h      int64      `json:"volume_24h"`
	Volume24hReset int64      `json:"volume_24h_reset"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}

// Create establishes an Active market with zeroed counters.
func Create(p Params, now int64) (*Market, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Market{
		Symbol:         p.Symbol,
		Name:           p.Name,
		ISIN:           p.ISIN,
		SecurityAsset:  p.SecurityAsset,
		QuoteAsset:     p.QuoteAsset,
		OracleRef:      p.OracleRef,
		Type:           p.Type,
		Status:         StatusActive,
		IsActive:       true,
		TradingFeeBps:  p.TradingFeeBps,
		ProtocolFeeBps: p.ProtocolFeeBps,
		MinTradeSize:   p.MinTradeSize,
		MaxTradeSize:   p.MaxTradeSize,
		Volume24hReset: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsTrading gates swaps, orders and position opens.
func (m *Market) IsTrading() bool {
	return m.Status == StatusActive && m.IsActive
}

// IsDerivative reports whether positions may be opened on the market.
func (m *Market) IsDerivative() bool {
	switch m.Type {
	case MarketTypePerpetual, MarketTypeFundingSwap, MarketTypeVarianceSwap:
		return true
	default:
		return false
	}
}

func (m *Market) transition(next Status, now int64) error {
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: market %s %s -> %s", venue.ErrInvalidTransition, m.Symbol, m.Status, next)
	}
	m.Status = next
	m.UpdatedAt = now
	return nil
}

func (m *Market) Pause(now int64) error {
	return m.transition(StatusPaused, now)
}

func (m *Market) Resume(now int64) error {
	return m.transition(StatusActive, now)
}

func (m *Market) BeginSettlement(now int64) error {
	return m.transition(StatusSettling, now)
}

func (m *Market) Close(now int64) error {
	return m.transition(StatusClosed, now)
}

// SetActive toggles the activity flag independently of Status.
func (m *Market) SetActive(active bool, now int64) {
	m.IsActive = active
	m.UpdatedAt = now
}

func (m *Market) UpdateFees(tradingBps, protocolBps, now int64) error {
	if err := ValidateFees(tradingBps, protocolBps); err != nil {
		return err
	}
	m.TradingFeeBps = tradingBps
	m.ProtocolFeeBps = protocolBps
	m.UpdatedAt = now
	return nil
}

// CheckTradeSize enforces the market's trade-size bounds.
func (m *Market) CheckTradeSize(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d must be positive", venue.ErrInvalidAmount, amount)
	}
	if amount < m.MinTradeSize {
		return fmt.Errorf("%w: amount %d below minimum %d", venue.ErrInvalidAmount, amount, m.MinTradeSize)
	}
	if m.MaxTradeSize > 0 && amount > m.MaxTradeSize {
		return fmt.Errorf("%w: amount %d above maximum %d", venue.ErrInvalidAmount, amount, m.MaxTradeSize)
	}
	return nil
}

// RecordVolume accumulates traded volume. The 24h counter restarts at amount
// once the window has elapsed; it approximates a sliding window.
func (m *Market) RecordVolume(amount, now int64) {
	m.TotalVolume = fpmath.SaturatingAdd(m.TotalVolume, amount)
	if now-m.Volume24hReset >= VolumeWindowSeconds {
		m.Volume24h = amount
		m.Volume24hReset = now
	} else {
		m.Volume24h = fpmath.SaturatingAdd(m.Volume24h, amount)
	}
	m.UpdatedAt = now
}

func (m *Market) RecordFee(fee int64) {
	m.TotalFees = fpmath.SaturatingAdd(m.TotalFees, fee)
}

// Fee returns floor(amount * trading_bps / 10000).
func (m *Market) Fee(amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: amount %d", venue.ErrInvalidAmount, amount)
	}
	fee, err := fpmath.MulDiv(amount, m.TradingFeeBps, fpmath.BasisPoints)
	return fee, venue.MathErr(err)
}

// ProtocolShare returns the protocol's cut of a collected fee,
// floor(fee * protocol_bps / trading_bps). Zero when no trading fee is set.
func (m *Market) ProtocolShare(fee int64) int64 {
	if m.TradingFeeBps <= 0 || fee <= 0 {
		return 0
	}
	share, err := fpmath.MulDiv(fee, m.ProtocolFeeBps, m.TradingFeeBps)
	if err != nil {
		return 0
	}
	return share
}

// Clone returns an independent copy for compute-then-commit updates.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}
