// Package metrics exposes the engine's prometheus collectors. Every method is
// safe to call on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors for the connection and consistency engine.
type Metrics struct {
	RESTRequests      *prometheus.CounterVec
	RESTLatency       *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
	RateLimitWait     prometheus.Histogram
	GatewayEvents     *prometheus.CounterVec
	GatewayReconnects *prometheus.CounterVec
	ShardState        *prometheus.GaugeVec
	HeartbeatLatency  *prometheus.GaugeVec
	CacheLookups      *prometheus.CounterVec
	CacheDropped      *prometheus.CounterVec
}

// New creates unregistered collectors under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "discord"
	}
	return &Metrics{
		RESTRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "requests_total",
				Help:      "REST round trips by method and HTTP status",
			},
			[]string{"method", "status"},
		),
		RESTLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "request_duration_seconds",
				Help:      "REST round trip latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "rate_limited_total",
				Help:      "429 responses by scope (bucket, global, shared)",
			},
			[]string{"scope"},
		),
		RateLimitWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "rate_limit_wait_seconds",
				Help:      "Time callers spent suspended on bucket or global resets",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		GatewayEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "dispatch_total",
				Help:      "Dispatch events received by shard and event name",
			},
			[]string{"shard", "event"},
		),
		GatewayReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "reconnects_total",
				Help:      "Reconnects by shard and reason",
			},
			[]string{"shard", "reason"},
		),
		ShardState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "shard_state",
				Help:      "Current session state of each shard (see gateway.State)",
			},
			[]string{"shard"},
		),
		HeartbeatLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "heartbeat_latency_seconds",
				Help:      "Time between the last heartbeat and its acknowledgement",
			},
			[]string{"shard"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by entity kind and result (hit, miss, fetched)",
			},
			[]string{"kind", "result"},
		),
		CacheDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "dropped_events_total",
				Help:      "Dispatch events not applied to the cache, by reason",
			},
			[]string{"reason"},
		),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RESTRequests, m.RESTLatency, m.RateLimitHits, m.RateLimitWait,
		m.GatewayEvents, m.GatewayReconnects, m.ShardState, m.HeartbeatLatency,
		m.CacheLookups, m.CacheDropped,
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveREST(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RESTRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.RESTLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(scope).Inc()
}

func (m *Metrics) Waited(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) Dispatch(shard int, event string) {
	if m == nil {
		return
	}
	m.GatewayEvents.WithLabelValues(strconv.Itoa(shard), event).Inc()
}

func (m *Metrics) Reconnect(shard int, reason string) {
	if m == nil {
		return
	}
	m.GatewayReconnects.WithLabelValues(strconv.Itoa(shard), reason).Inc()
}

func (m *Metrics) SetShardState(shard int, state int) {
	if m == nil {
		return
	}
	m.ShardState.WithLabelValues(strconv.Itoa(shard)).Set(float64(state))
}

func (m *Metrics) Heartbeat(shard int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Set(latency.Seconds())
}

func (m *Metrics) CacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.CacheDropped.WithLabelValues(reason).Inc()
}

// Transport wraps an http.RoundTripper to record REST latency.
type Transport struct {
	Base    http.RoundTripper
	Metrics *Metrics
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()
	resp, err := base.RoundTrip(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	t.Metrics.ObserveREST(req.Method, status, time.Since(start))
	return resp, err
}
