// Package metrics exposes real Prometheus counters/histograms for
// GET /metrics, replacing the hand-rolled mock-data text the base built by
// hand before any example repo in the pack demonstrated the real client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ProviderAttempts *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	FirstChunkLatency *prometheus.HistogramVec
	BlacklistedGauge *prometheus.GaugeVec
	registry         *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total chat requests handled, by endpoint and result.",
		}, []string{"endpoint", "status"}),

		ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_attempts_total",
			Help: "Total attempts against a given upstream provider.",
		}, []string{"provider"}),

		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_failures_total",
			Help: "Total retriable failures recorded against a provider.",
		}, []string{"provider"}),

		FirstChunkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_first_chunk_latency_seconds",
			Help:    "Time from stream start to first committed chunk.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		BlacklistedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_blacklisted",
			Help: "1 if the provider is currently blacklisted, else 0.",
		}, []string{"provider"}),

		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.ProviderAttempts, m.ProviderFailures, m.FirstChunkLatency, m.BlacklistedGauge)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
