package ingestion

import (
	"fmt"
	"strings"
	"time"

	fpmath "SecuritiesVenue/internal/math"
	"SecuritiesVenue/internal/oracle"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// --- JSON wire format ---
// Values arrive as decimal strings so producers never deal with the venue's
// fixed-point scale. Field names use snake_case to match upstream producers.

type oracleJSON struct {
	Ref         string `json:"ref"`
	Value       string `json:"value"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseOracleMessage decodes a feed message into a cache update. Prices and
// variances are scaled by 1e6; funding rates are integers per 8h period.
// The reference defaults to the last subject token.
func ParseOracleMessage(raw RawMessage) (oracle.Update, error) {
	var j oracleJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return oracle.Update{}, fmt.Errorf("parse oracle %s: %w", raw.Kind, err)
	}

	ref := j.Ref
	if ref == "" {
		ref = refFromSubject(raw.Subject)
	}
	if ref == "" {
		return oracle.Update{}, fmt.Errorf("parse oracle %s: no reference in payload or subject %q", raw.Kind, raw.Subject)
	}
	if j.Value == "" {
		return oracle.Update{}, fmt.Errorf("parse oracle %s: missing value", raw.Kind)
	}

	value, err := ParseOracleValue(raw.Kind, j.Value)
	if err != nil {
		return oracle.Update{}, fmt.Errorf("parse oracle %s for %s: %w", raw.Kind, ref, err)
	}

	ts := raw.Timestamp.Unix()
	if j.TimestampUs > 0 {
		ts = time.UnixMicro(j.TimestampUs).Unix()
	}

	return oracle.Update{
		Ref:       ref,
		Kind:      raw.Kind,
		Value:     value,
		Sequence:  j.Sequence,
		Timestamp: ts,
	}, nil
}

// ParseOracleValue converts a decimal string to the fixed-point
// representation of kind.
func ParseOracleValue(kind oracle.Kind, s string) (int64, error) {
	switch kind {
	case oracle.KindPrice, oracle.KindVariance:
		return fpmath.ParsePrice(s)
	case oracle.KindFunding:
		return parseRate(s)
	default:
		return 0, fmt.Errorf("unknown kind %d", kind)
	}
}

// refFromSubject returns the token after venue.oracle.<kind>.
func refFromSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 4)
	if len(parts) < 4 || parts[0]+"."+parts[1] != oracleSubject {
		return ""
	}
	return parts[3]
}

func parseRate(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("parse rate %q: not an integer", s)
	}
	if !d.BigInt().IsInt64() {
		return 0, fmt.Errorf("parse rate %q: %w", s, fpmath.ErrOverflow)
	}
	return d.IntPart(), nil
}
