// Package metrics exposes the gateway's Prometheus instrumentation.
// Everything is registered on the default registry via promauto so the
// /metrics handler picks it up without extra wiring.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AuthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "authorizations_total",
		Help:      "Authorization attempts by final outcome.",
	}, []string{"outcome"})

	CapturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "captures_total",
		Help:      "Successful captures.",
	})

	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "refunds_total",
		Help:      "Successful refunds, partial and full.",
	})

	FraudDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "fraud_decisions_total",
		Help:      "Fraud engine decisions.",
	}, []string{"decision"})

	PSPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "psp_requests_total",
		Help:      "PSP calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	PSPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "psp_latency_seconds",
		Help:      "PSP round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	EventPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "event_publishes_total",
		Help:      "Domain event publishes by type and result.",
	}, []string{"type", "result"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "circuit_breaker_open",
		Help:      "1 when the provider's circuit breaker is open.",
	}, []string{"provider"})

	DependencyHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "dependency_healthy",
		Help:      "1 when the dependency is healthy, 0 when degraded.",
	}, []string{"dependency"})

	BufferedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "buffered_events",
		Help:      "Events held in memory while the broker is degraded.",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"route"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveHTTP records one finished HTTP request.
func ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObservePSP records one PSP call.
func ObservePSP(provider, outcome string, elapsed time.Duration) {
	PSPRequestsTotal.WithLabelValues(provider, outcome).Inc()
	PSPLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}
