package venue

import (
	"github.com/google/uuid"
)

// PositionKey addresses the single open position an owner may hold in a
// market.
type PositionKey struct {
	Owner    string
	MarketID string
}

// NewID returns a fresh record identifier for positions, orders and events.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s parses as a UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
