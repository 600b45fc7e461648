package config

import (
	"errors"
	"fmt"
	"os"

	"SecuritiesVenue/internal/compliance"
	"SecuritiesVenue/internal/engine"
	"SecuritiesVenue/internal/market"
	"SecuritiesVenue/internal/venue"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MarketSpec is one market of the bootstrap file.
type MarketSpec struct {
	Symbol         string `yaml:"symbol" validate:"required,max=10"`
	Name           string `yaml:"name" validate:"max=50"`
	ISIN           string `yaml:"isin" validate:"omitempty,len=12"`
	SecurityAsset  string `yaml:"security_asset" validate:"required"`
	QuoteAsset     string `yaml:"quote_asset" validate:"required"`
	OracleRef      string `yaml:"oracle_ref"`
	Type           string `yaml:"type" validate:"required"`
	TradingFeeBps  int64  `yaml:"trading_fee_bps" validate:"gt=0,lte=10000"`
	ProtocolFeeBps int64  `yaml:"protocol_fee_bps" validate:"gte=0,lte=10000"`
	MinTradeSize   int64  `yaml:"min_trade_size" validate:"gte=0"`
	MaxTradeSize   int64  `yaml:"max_trade_size" validate:"gte=0"`
	Pool           bool   `yaml:"pool"`
}

// Params converts the entry to engine market parameters.
func (s MarketSpec) Params() (market.Params, error) {
	t, err := market.ParseMarketType(s.Type)
	if err != nil {
		return market.Params{}, fmt.Errorf("market %s: %w", s.Symbol, err)
	}
	p := market.Params{
		Symbol:         s.Symbol,
		Name:           s.Name,
		ISIN:           s.ISIN,
		SecurityAsset:  s.SecurityAsset,
		QuoteAsset:     s.QuoteAsset,
		OracleRef:      s.OracleRef,
		Type:           t,
		TradingFeeBps:  s.TradingFeeBps,
		ProtocolFeeBps: s.ProtocolFeeBps,
		MinTradeSize:   s.MinTradeSize,
		MaxTradeSize:   s.MaxTradeSize,
	}
	if err := p.Validate(); err != nil {
		return market.Params{}, fmt.Errorf("market %s: %w", s.Symbol, err)
	}
	return p, nil
}

// IdentitySpec is a verified trader of the bootstrap file.
type IdentitySpec struct {
	Level        string `yaml:"level" validate:"required"`
	Jurisdiction string `yaml:"jurisdiction" validate:"required"`
}

// Bootstrap lists the markets created at startup and, when present, the
// verified identities of the compliance registry.
type Bootstrap struct {
	Markets    []MarketSpec            `yaml:"markets" validate:"dive"`
	Identities map[string]IdentitySpec `yaml:"identities" validate:"dive"`
}

// LoadBootstrap reads and validates a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBootstrap(data)
}

func ParseBootstrap(data []byte) (*Bootstrap, error) {
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap: %w", err)
	}
	if err := validator.New().Struct(&b); err != nil {
		return nil, fmt.Errorf("invalid bootstrap: %w", err)
	}

	seen := make(map[string]bool, len(b.Markets))
	for _, m := range b.Markets {
		if seen[m.Symbol] {
			return nil, fmt.Errorf("invalid bootstrap: market %s listed twice", m.Symbol)
		}
		seen[m.Symbol] = true
		if _, err := m.Params(); err != nil {
			return nil, fmt.Errorf("invalid bootstrap: %w", err)
		}
	}
	for id, spec := range b.Identities {
		if _, err := spec.Profile(); err != nil {
			return nil, fmt.Errorf("invalid bootstrap: identity %s: %w", id, err)
		}
	}
	return &b, nil
}

func (s IdentitySpec) Profile() (compliance.Profile, error) {
	level, err := compliance.ParseKYCLevel(s.Level)
	if err != nil {
		return compliance.Profile{}, err
	}
	j, err := compliance.ParseJurisdiction(s.Jurisdiction)
	if err != nil {
		return compliance.Profile{}, err
	}
	return compliance.Profile{Level: level, Jurisdiction: j}, nil
}

// Registry returns a compliance registry holding the bootstrap identities,
// or nil when the file lists none, which leaves the API open.
func (b *Bootstrap) Registry(policy compliance.Policy) *compliance.Registry {
	if len(b.Identities) == 0 {
		return nil
	}
	r := compliance.NewRegistry(policy)
	for id, spec := range b.Identities {
		p, _ := spec.Profile() // validated by ParseBootstrap
		r.Register(id, p)
	}
	return r
}

// Apply creates every market that does not exist yet, and its pool when
// requested. Markets restored from a snapshot are left untouched, so
// applying the same file on every start is safe. It returns the number of
// markets created.
func (b *Bootstrap) Apply(e *engine.Engine, now int64) (int, error) {
	created := 0
	for _, spec := range b.Markets {
		params, err := spec.Params()
		if err != nil {
			return created, err
		}
		_, err = e.CreateMarket(engine.CreateMarketRequest{
			RequestID: "bootstrap:market:" + spec.Symbol,
			Now:       now,
			Params:    params,
		})
		switch {
		case err == nil:
			created++
		case skippable(err):
		default:
			return created, fmt.Errorf("bootstrap market %s: %w", spec.Symbol, err)
		}

		if !spec.Pool {
			continue
		}
		_, err = e.InitializePool(engine.MarketRequest{
			RequestID: "bootstrap:pool:" + spec.Symbol,
			Now:       now,
			MarketID:  spec.Symbol,
		})
		if err != nil && !skippable(err) {
			return created, fmt.Errorf("bootstrap pool %s: %w", spec.Symbol, err)
		}
	}
	return created, nil
}

func skippable(err error) bool {
	return errors.Is(err, venue.ErrMarketExists) || errors.Is(err, venue.ErrDuplicateRequest)
}
