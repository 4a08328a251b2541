// Package metrics defines the prometheus collectors exposed by the
// client. Collectors are registered against an injected Registerer so
// the core stays testable in isolation; nothing is registered globally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the client updates.
type Metrics struct {
	PoolHealthy   prometheus.Gauge
	PoolUnhealthy prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram

	BreakerTransitions *prometheus.CounterVec

	LiveEventsTotal prometheus.Counter
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surrealpool_connections_healthy",
			Help: "Number of pool entries currently healthy.",
		}),
		PoolUnhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surrealpool_connections_unhealthy",
			Help: "Number of pool entries currently unhealthy or reconnecting.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surrealpool_requests_total",
			Help: "RPC requests issued through the pool, by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "surrealpool_request_duration_seconds",
			Help:    "RPC round-trip duration.",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surrealpool_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by origin and target state.",
		}, []string{"from", "to"}),
		LiveEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surrealpool_live_events_total",
			Help: "Live query events delivered to subscribers.",
		}),
	}

	reg.MustRegister(
		m.PoolHealthy,
		m.PoolUnhealthy,
		m.RequestsTotal,
		m.RequestDuration,
		m.BreakerTransitions,
		m.LiveEventsTotal,
	)
	return m
}

// Outcome labels for RequestsTotal.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)
