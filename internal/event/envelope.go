package event

import (
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeMarketStatusChanged
	EventTypeMarketFeesUpdated
	EventTypePoolInitialized
	EventTypePoolStatusChanged
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeSwapExecuted
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypeFundingApplied
	EventTypeVarianceSwapCreated
	EventTypeVarianceObserved
	EventTypeVarianceSwapSettled
	EventTypeOrderSubmitted
	EventTypeOrderFilled
	EventTypeOrderCancelled
	EventTypeOrderExpired
)

var eventTypeNames = map[EventType]string{
	EventTypeMarketCreated:       "MarketCreated",
	EventTypeMarketStatusChanged: "MarketStatusChanged",
	EventTypeMarketFeesUpdated:   "MarketFeesUpdated",
	EventTypePoolInitialized:     "PoolInitialized",
	EventTypePoolStatusChanged:   "PoolStatusChanged",
	EventTypeLiquidityAdded:      "LiquidityAdded",
	EventTypeLiquidityRemoved:    "LiquidityRemoved",
	EventTypeSwapExecuted:        "SwapExecuted",
	EventTypePositionOpened:      "PositionOpened",
	EventTypePositionClosed:      "PositionClosed",
	EventTypePositionLiquidated:  "PositionLiquidated",
	EventTypeFundingApplied:      "FundingApplied",
	EventTypeVarianceSwapCreated: "VarianceSwapCreated",
	EventTypeVarianceObserved:    "VarianceObserved",
	EventTypeVarianceSwapSettled: "VarianceSwapSettled",
	EventTypeOrderSubmitted:      "OrderSubmitted",
	EventTypeOrderFilled:         "OrderFilled",
	EventTypeOrderCancelled:      "OrderCancelled",
	EventTypeOrderExpired:        "OrderExpired",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// Hash is a SHA-256 digest rendered as hex in JSON.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) != hex.EncodedLen(len(h)) {
		return fmt.Errorf("hash: want %d hex chars, got %d", hex.EncodedLen(len(h)), len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	EventID string `json:"event_id"`

	// Caller-supplied dedup key; empty when the caller did not send one
	RequestID string `json:"request_id,omitempty"`

	EventType EventType `json:"event_type"`

	MarketID string `json:"market_id"`

	// Caller-supplied unix seconds, never wall-clock
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded event payload
	Payload json.RawMessage `json:"payload"`

	// SHA-256 chain link after applying this event
	StateHash Hash `json:"state_hash"`

	// Previous event's state hash (chain integrity)
	PrevHash Hash `json:"prev_hash"`

	// Set on the last envelope of each command; not covered by the hash
	Records *Records `json:"records,omitempty"`
}

// CommitEnd reports whether the envelope closes a command.
func (e *Envelope) CommitEnd() bool {
	return e.Records != nil
}

// Subject is the NATS subject the envelope is published on.
func (e *Envelope) Subject(prefix string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, e.MarketID, e.EventType)
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType

	// MarketID returns the market the event belongs to
	MarketID() string
}

// Encode serializes a payload for the envelope.
func Encode(evt Event) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return b, nil
}

// Decode rebuilds a typed payload from its envelope type and bytes.
func Decode(t EventType, payload []byte) (Event, error) {
	var evt Event
	switch t {
	case EventTypeMarketCreated:
		evt = &MarketCreated{}
	case EventTypeMarketStatusChanged:
		evt = &MarketStatusChanged{}
	case EventTypeMarketFeesUpdated:
		evt = &MarketFeesUpdated{}
	case EventTypePoolInitialized:
		evt = &PoolInitialized{}
	case EventTypePoolStatusChanged:
		evt = &PoolStatusChanged{}
	case EventTypeLiquidityAdded:
		evt = &LiquidityAdded{}
	case EventTypeLiquidityRemoved:
		evt = &LiquidityRemoved{}
	case EventTypeSwapExecuted:
		evt = &SwapExecuted{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypePositionLiquidated:
		evt = &PositionLiquidated{}
	case EventTypeFundingApplied:
		evt = &FundingApplied{}
	case EventTypeVarianceSwapCreated:
		evt = &VarianceSwapCreated{}
	case EventTypeVarianceObserved:
		evt = &VarianceObserved{}
	case EventTypeVarianceSwapSettled:
		evt = &VarianceSwapSettled{}
	case EventTypeOrderSubmitted:
		evt = &OrderSubmitted{}
	case EventTypeOrderFilled:
		evt = &OrderFilled{}
	case EventTypeOrderCancelled:
		evt = &OrderCancelled{}
	case EventTypeOrderExpired:
		evt = &OrderExpired{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", t)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return evt, nil
}
