package event_test

import (
	"strings"
	"testing"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/order"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_NamesRoundTrip(t *testing.T) {
	for et := event.EventTypeMarketCreated; et <= event.EventTypeOrderExpired; et++ {
		name := et.String()
		require.NotEqual(t, "Unknown", name, "event type %d has no name", et)

		parsed, err := event.ParseEventType(name)
		require.NoError(t, err)
		assert.Equal(t, et, parsed)
	}

	_, err := event.ParseEventType("Deposit")
	assert.Error(t, err)
	assert.Equal(t, "Unknown", event.EventType(999).String())
}

func TestHash_TextEncoding(t *testing.T) {
	var h event.Hash
	h[0], h[31] = 0xab, 0x01

	text, err := h.MarshalText()
	require.NoError(t, err)
	assert.Len(t, text, 64)
	assert.True(t, strings.HasPrefix(string(text), "ab"))

	var back event.Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)

	assert.Error(t, back.UnmarshalText([]byte("abcd")))
}

func TestEnvelope_JSONAndSubject(t *testing.T) {
	payload, err := event.Encode(&event.OrderCancelled{Market: "ACME", OrderID: "o-1", Owner: "alice", RemainingSize: 7})
	require.NoError(t, err)

	env := &event.Envelope{
		Sequence:  12,
		EventID:   "evt-1",
		EventType: event.EventTypeOrderCancelled,
		MarketID:  "ACME",
		Timestamp: 1_700_000_000,
		Payload:   payload,
	}
	assert.Equal(t, "venue.events.ACME.OrderCancelled", env.Subject("venue.events"))

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "request_id")

	var back event.Envelope
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, env.Sequence, back.Sequence)
	assert.Equal(t, env.StateHash, back.StateHash)
	assert.JSONEq(t, string(env.Payload), string(back.Payload))
}

func TestDecode_TypedPayload(t *testing.T) {
	orig := &event.OrderFilled{
		Market: "ACME", OrderID: "o-1", Owner: "alice",
		Amount: 4, Price: 990_000, FilledSize: 4, RemainingSize: 6, AvgFillPrice: 990_000,
		Status: order.StatusPartiallyFilled,
	}
	payload, err := event.Encode(orig)
	require.NoError(t, err)

	decoded, err := event.Decode(event.EventTypeOrderFilled, payload)
	require.NoError(t, err)
	assert.Equal(t, orig, decoded)
	assert.Equal(t, "ACME", decoded.MarketID())

	_, err = event.Decode(event.EventTypeUnknown, payload)
	assert.Error(t, err)
}
