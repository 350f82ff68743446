package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics contains the Prometheus collectors for the proxy core.
type PromMetrics struct {
	Requests        *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheStores     prometheus.Counter
	UpstreamErrors  prometheus.Counter
	UpstreamLatency *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
}

// NewPromMetrics creates the proxy collectors registered against reg.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxproxy_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"endpoint", "status"},
		),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_cache_hits_total",
			Help: "Responses served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_cache_misses_total",
			Help: "Cache-eligible requests not found in the cache",
		}),
		CacheStores: factory.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_cache_stores_total",
			Help: "Responses written to the cache",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_upstream_errors_total",
			Help: "Upstream requests that failed outright",
		}),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxproxy_upstream_latency_seconds",
				Help:    "End-to-end latency of proxied requests",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
			},
			[]string{"endpoint"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fluxproxy_active_chat_sessions",
			Help: "Currently open chat sessions",
		}),
	}
}

// NopPromMetrics returns collectors bound to a throwaway registry, for
// callers that do not care about scraping.
func NopPromMetrics() *PromMetrics {
	return NewPromMetrics(prometheus.NewRegistry())
}
