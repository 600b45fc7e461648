package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"SecuritiesVenue/internal/event"
	"SecuritiesVenue/internal/ingestion"
	"SecuritiesVenue/internal/observability"
	"SecuritiesVenue/internal/oracle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func rawFromJSON(t *testing.T, subject string, kind oracle.Kind, v interface{}) ingestion.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawMessage{
		Subject:   subject,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Unix(1_700_000_000, 0),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePrice(t *testing.T) {
	payload := map[string]interface{}{
		"ref":          "ACME",
		"value":        "101.25",
		"sequence":     int64(42),
		"timestamp_us": int64(1_700_000_123_000_000),
	}

	u, err := ingestion.ParseOracleMessage(rawFromJSON(t, "venue.oracle.price.ACME", oracle.KindPrice, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if u.Ref != "ACME" {
		t.Errorf("ref: got %s, want ACME", u.Ref)
	}
	if u.Value != 101_250_000 {
		t.Errorf("value: got %d, want 101_250_000", u.Value)
	}
	if u.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", u.Sequence)
	}
	if u.Timestamp != 1_700_000_123 {
		t.Errorf("timestamp: got %d, want 1_700_000_123", u.Timestamp)
	}
}

func TestParseFundingRate(t *testing.T) {
	payload := map[string]interface{}{"ref": "PERP", "value": "-3"}

	u, err := ingestion.ParseOracleMessage(rawFromJSON(t, "venue.oracle.funding.PERP", oracle.KindFunding, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if u.Value != -3 {
		t.Errorf("value: got %d, want -3", u.Value)
	}
	if u.Timestamp != 1_700_000_000 {
		t.Errorf("timestamp falls back to receive time: got %d", u.Timestamp)
	}

	if _, err := ingestion.ParseOracleMessage(rawFromJSON(t, "venue.oracle.funding.PERP", oracle.KindFunding,
		map[string]interface{}{"ref": "PERP", "value": "0.5"})); err == nil {
		t.Error("fractional funding rate should be rejected")
	}
}

func TestParse_RefFromSubject(t *testing.T) {
	payload := map[string]interface{}{"value": "0.04"}

	u, err := ingestion.ParseOracleMessage(rawFromJSON(t, "venue.oracle.variance.VOL", oracle.KindVariance, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if u.Ref != "VOL" {
		t.Errorf("ref: got %s, want VOL", u.Ref)
	}
	if u.Value != 40_000 {
		t.Errorf("value: got %d, want 40_000", u.Value)
	}
	if u.Kind != oracle.KindVariance {
		t.Errorf("kind: got %s, want variance", u.Kind)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		data    []byte
	}{
		{"not json", "venue.oracle.price.ACME", []byte("{")},
		{"missing value", "venue.oracle.price.ACME", []byte(`{"ref":"ACME"}`)},
		{"no ref anywhere", "other.subject", []byte(`{"value":"1"}`)},
		{"too many decimals", "venue.oracle.price.ACME", []byte(`{"value":"1.0000001"}`)},
		{"garbage number", "venue.oracle.price.ACME", []byte(`{"value":"abc"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := ingestion.RawMessage{Subject: tc.subject, Kind: oracle.KindPrice, Data: tc.data}
			if _, err := ingestion.ParseOracleMessage(raw); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestDispatcher_AppliesAndAcks(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := oracle.NewCache(metrics, zerolog.Nop())
	rawChan := make(chan ingestion.RawMessage, 4)
	d := ingestion.NewDispatcher(rawChan, cache, metrics, zerolog.Nop())

	acks := 0
	good := rawFromJSON(t, "venue.oracle.price.ACME", oracle.KindPrice, map[string]interface{}{"value": "99.5", "sequence": 1})
	good.AckFunc = func() { acks++ }
	bad := ingestion.RawMessage{Subject: "venue.oracle.price.ACME", Kind: oracle.KindPrice, Data: []byte("{"), AckFunc: func() { acks++ }}
	rejected := rawFromJSON(t, "venue.oracle.price.ACME", oracle.KindPrice, map[string]interface{}{"value": "-1", "sequence": 2})
	rejected.AckFunc = func() { acks++ }

	rawChan <- good
	rawChan <- bad
	rawChan <- rejected
	close(rawChan)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if acks != 3 {
		t.Errorf("acks: got %d, want 3", acks)
	}
	price, ok := cache.Price("ACME")
	if !ok || price.Value != 99_500_000 {
		t.Errorf("price: got %+v (found=%v), want 99_500_000", price, ok)
	}
	if got := testutil.ToFloat64(metrics.OracleParseErrors); got != 1 {
		t.Errorf("parse errors: got %v, want 1", got)
	}
}

func TestManualFeed_Inject(t *testing.T) {
	cache := oracle.NewCache(nil, zerolog.Nop())
	feed := ingestion.NewManualFeed(cache)

	if _, err := feed.Inject(context.Background(), "ACME", oracle.KindPrice, "12.5"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if _, err := feed.Inject(context.Background(), "ACME", oracle.KindPrice, "12.25"); err != nil {
		t.Fatalf("second inject: %v", err)
	}
	price, _ := cache.Price("ACME")
	if price.Value != 12_250_000 {
		t.Errorf("price: got %d, want 12_250_000", price.Value)
	}

	if _, err := feed.Inject(context.Background(), "ACME", oracle.KindPrice, "0"); err == nil {
		t.Error("zero price should be rejected")
	}
}

func TestOutboundMessage_DropsRecords(t *testing.T) {
	env := &event.Envelope{
		Sequence:  7,
		EventType: event.EventTypeSwapExecuted,
		MarketID:  "ACME",
		Payload:   []byte(`{}`),
		Records:   &event.Records{},
	}

	data, err := ingestion.OutboundMessage(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["records"]; ok {
		t.Error("records should not be published")
	}
	if env.Records == nil {
		t.Error("source envelope must keep its records")
	}
	if got := env.Subject(ingestion.EventsSubject); got != "venue.events.ACME.SwapExecuted" {
		t.Errorf("subject: got %s", got)
	}
}

func TestDefaultSubjects(t *testing.T) {
	subs := ingestion.DefaultSubjects()
	if len(subs) != 3 {
		t.Fatalf("subjects: got %d, want 3", len(subs))
	}
	if subs[1].Subject != "venue.oracle.funding.>" || subs[1].Kind != oracle.KindFunding {
		t.Errorf("funding subject: got %+v", subs[1])
	}
}
