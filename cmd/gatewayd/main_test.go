package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gatewaycore "discord-gateway-core"
	"discord-gateway-core/internal/config"
	"discord-gateway-core/internal/metrics"
)

func newTestClient(t *testing.T) (*gatewaycore.Client, *prometheus.Registry) {
	t.Helper()
	v := config.NewViper()
	v.Set("token", "secret")
	cfg, err := config.Load(v)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New("test")
	require.NoError(t, m.Register(reg))

	c, err := gatewaycore.New(context.Background(), cfg,
		gatewaycore.WithLogger(zaptest.NewLogger(t)), gatewaycore.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, reg
}

func TestHealthzReportsUnavailableBeforeStart(t *testing.T) {
	c, reg := newTestClient(t)
	h := newHandler(reg, c)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "shards")
	assert.Contains(t, body, "cache")
}

func TestMetricsEndpoint(t *testing.T) {
	c, reg := newTestClient(t)
	c.Metrics().Dropped("stale")
	h := newHandler(reg, c)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_")
}

func TestFlagsBindToConfigKeys(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.PersistentFlags().Set("log-level", "debug"))
	require.NoError(t, cmd.PersistentFlags().Set("shards", "4"))

	assert.Equal(t, "debug", cmd.PersistentFlags().Lookup("log-level").Value.String())
	assert.NotNil(t, cmd.PersistentFlags().Lookup("metrics-addr"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}
