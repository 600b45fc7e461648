package observability_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"SecuritiesVenue/internal/observability"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "engine", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Str("market_id", "ACME").Msg("swap")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "ACME", line["market_id"])
	assert.Equal(t, "swap", line["message"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("bogus"))
}

func TestMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.CommandsApplied.WithLabelValues("swap").Inc()
	m.SetChannelMetrics("persist", 5, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsApplied.WithLabelValues("swap")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	// a second set on another registry does not collide
	assert.NotPanics(t, func() { observability.NewMetrics(prometheus.NewRegistry()) })
}

func TestHealthChecker(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	h.AddCheck("postgres", func(ctx context.Context) error { return nil })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("nats", func(ctx context.Context) error { return errors.New("disconnected") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}
