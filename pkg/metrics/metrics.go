// Package metrics exposes the Prometheus counters and gauges that make
// RPC counts, issuance counts, and pool size observable in a running
// process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Server-side metrics.

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readercred_rpc_requests_total",
			Help: "Total number of reader backend RPCs by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readercred_rpc_duration_seconds",
			Help:    "Reader backend RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	NoncesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "readercred_nonces_issued_total",
			Help: "Total number of nonces minted by getNonce",
		},
	)

	KeysCertifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readercred_keys_certified_total",
			Help: "Total number of reader keys certified, by issuing root",
		},
		[]string{"root"},
	)

	RegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "readercred_registrations_total",
			Help: "Total number of successful device registrations",
		},
	)

	// Client-side (pool manager) metrics.

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "readercred_pool_size",
			Help: "Number of certified keys currently held by the pool, by validity state",
		},
		[]string{"state"}, // "valid" or "total"
	)

	PoolReplenishmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readercred_pool_replenishments_total",
			Help: "Total number of replenishment attempts, by outcome",
		},
		[]string{"outcome"}, // "noop", "success", "registration_lost", "transport_error"
	)

	PoolEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readercred_pool_evictions_total",
			Help: "Total number of certified keys evicted from the pool, by reason",
		},
		[]string{"reason"}, // "used", "refresh_due"
	)

	IssuerTrustListVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "readercred_issuer_trust_list_version",
			Help: "Version of the issuer trust list currently applied by the client",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RPCRequestsTotal,
		RPCDuration,
		NoncesIssuedTotal,
		KeysCertifiedTotal,
		RegistrationsTotal,
		PoolSize,
		PoolReplenishmentsTotal,
		PoolEvictionsTotal,
		IssuerTrustListVersion,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
