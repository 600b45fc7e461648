// Package compliance is the shared KYC vocabulary. The venue core assumes
// identities are checked before commands reach it; the server consults a
// Checker for that.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type KYCLevel int32

const (
	KYCNone KYCLevel = iota
	KYCBasic
	KYCStandard
	KYCEnhanced
	KYCInstitutional
)

func (l KYCLevel) String() string {
	switch l {
	case KYCNone:
		return "None"
	case KYCBasic:
		return "Basic"
	case KYCStandard:
		return "Standard"
	case KYCEnhanced:
		return "Enhanced"
	case KYCInstitutional:
		return "Institutional"
	default:
		return "Unknown"
	}
}

func ParseKYCLevel(s string) (KYCLevel, error) {
	for l := KYCNone; l <= KYCInstitutional; l++ {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown kyc level %q", s)
}

// MaxLeverage caps the leverage a trader at this level may request.
func (l KYCLevel) MaxLeverage() int64 {
	switch l {
	case KYCBasic:
		return 5
	case KYCStandard:
		return 20
	case KYCEnhanced, KYCInstitutional:
		return 100
	default:
		return 0
	}
}

type Jurisdiction int32

const (
	JurisdictionJapan Jurisdiction = iota
	JurisdictionSingapore
	JurisdictionHongKong
	JurisdictionEU
	JurisdictionUSA
	JurisdictionOther
)

func (j Jurisdiction) String() string {
	switch j {
	case JurisdictionJapan:
		return "Japan"
	case JurisdictionSingapore:
		return "Singapore"
	case JurisdictionHongKong:
		return "HongKong"
	case JurisdictionEU:
		return "EU"
	case JurisdictionUSA:
		return "USA"
	default:
		return "Other"
	}
}

func ParseJurisdiction(s string) (Jurisdiction, error) {
	for j := JurisdictionJapan; j <= JurisdictionOther; j++ {
		if strings.EqualFold(j.String(), s) {
			return j, nil
		}
	}
	return 0, fmt.Errorf("unknown jurisdiction %q", s)
}

// Action classifies what a trader is asking to do.
type Action int32

const (
	ActionSpotTrade Action = iota
	ActionProvideLiquidity
	ActionDerivatives
)

func (a Action) String() string {
	switch a {
	case ActionSpotTrade:
		return "spot_trade"
	case ActionProvideLiquidity:
		return "provide_liquidity"
	case ActionDerivatives:
		return "derivatives"
	default:
		return "unknown"
	}
}

var (
	ErrNotVerified        = errors.New("identity not verified")
	ErrInsufficientKYC    = errors.New("kyc level insufficient")
	ErrRestrictedRegion   = errors.New("jurisdiction restricted")
	ErrLeverageNotAllowed = errors.New("leverage exceeds kyc allowance")
)

// Checker decides whether an identity may perform an action. Leverage is
// zero for non-leveraged actions.
type Checker interface {
	Check(ctx context.Context, identity string, action Action, leverage int64) error
}

// Profile is a verified identity.
type Profile struct {
	Level        KYCLevel     `yaml:"level" json:"level"`
	Jurisdiction Jurisdiction `yaml:"jurisdiction" json:"jurisdiction"`
}

// Policy lists the requirements per action.
type Policy struct {
	MinLevel   map[Action]KYCLevel
	Restricted map[Action][]Jurisdiction
}

// DefaultPolicy requires Basic KYC for spot and Standard for liquidity
// and derivatives, and keeps US persons out of derivatives.
func DefaultPolicy() Policy {
	return Policy{
		MinLevel: map[Action]KYCLevel{
			ActionSpotTrade:        KYCBasic,
			ActionProvideLiquidity: KYCStandard,
			ActionDerivatives:      KYCStandard,
		},
		Restricted: map[Action][]Jurisdiction{
			ActionDerivatives: {JurisdictionUSA},
		},
	}
}

// Registry is an in-memory Checker over registered profiles. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	policy   Policy
}

var _ Checker = (*Registry)(nil)

func NewRegistry(policy Policy) *Registry {
	return &Registry{profiles: make(map[string]Profile), policy: policy}
}

func (r *Registry) Register(identity string, p Profile) {
	r.mu.Lock()
	r.profiles[identity] = p
	r.mu.Unlock()
}

func (r *Registry) Revoke(identity string) {
	r.mu.Lock()
	delete(r.profiles, identity)
	r.mu.Unlock()
}

func (r *Registry) Profile(identity string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[identity]
	return p, ok
}

func (r *Registry) Check(_ context.Context, identity string, action Action, leverage int64) error {
	p, ok := r.Profile(identity)
	if !ok || p.Level == KYCNone {
		return fmt.Errorf("%w: %s", ErrNotVerified, identity)
	}
	if p.Level < r.policy.MinLevel[action] {
		return fmt.Errorf("%w: %s has %s, %s needs %s", ErrInsufficientKYC, identity, p.Level, action, r.policy.MinLevel[action])
	}
	for _, j := range r.policy.Restricted[action] {
		if p.Jurisdiction == j {
			return fmt.Errorf("%w: %s for %s", ErrRestrictedRegion, j, action)
		}
	}
	if leverage > p.Level.MaxLeverage() {
		return fmt.Errorf("%w: %dx above %dx for %s", ErrLeverageNotAllowed, leverage, p.Level.MaxLeverage(), p.Level)
	}
	return nil
}

// AllowAll is the Checker used when no compliance layer is configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, Action, int64) error { return nil }
