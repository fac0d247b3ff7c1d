// Package metrics provides Prometheus instrumentation for the meet service.
// It exposes gauges for the search pool and live sessions, counters for
// search, cancel and sweep outcomes, and histograms for wait and request
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SearchPoolSize tracks the number of users waiting for a partner.
	SearchPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_search_pool_size",
		Help: "Current number of users waiting in the search pool",
	})

	// ActiveSessions tracks the number of ACTIVE meet sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_active_sessions",
		Help: "Current number of active meet sessions",
	})

	// SearchTotal counts search calls by outcome: "matched", "waiting",
	// "already_active" or "error".
	SearchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_search_total",
		Help: "Total number of search requests by outcome",
	}, []string{"outcome"})

	// CancelTotal counts cancel calls by outcome: "SUCCESS" or "FAILURE".
	CancelTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_cancel_total",
		Help: "Total number of cancel requests by outcome",
	}, []string{"outcome"})

	// FinishedTotal counts sessions leaving ACTIVE, by outcome.
	FinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_finished_total",
		Help: "Total number of sessions finished by outcome",
	}, []string{"outcome"})

	// ExpiredTotal counts searchers evicted by the sweep.
	ExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_expired_total",
		Help: "Total number of search pool entries evicted after max wait",
	})

	// MatchWait records how long the chosen partner waited before a match.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meet_match_wait_seconds",
		Help:    "Time the waiting partner spent in the pool before being matched",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})

	// SocketConnections tracks open meet WebSocket connections.
	SocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_socket_connections",
		Help: "Current number of open meet WebSocket connections",
	})

	// HTTPRequests counts HTTP requests by method, route and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPDuration records HTTP request latency in seconds.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meet_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		SearchPoolSize,
		ActiveSessions,
		SearchTotal,
		CancelTotal,
		FinishedTotal,
		ExpiredTotal,
		MatchWait,
		SocketConnections,
		HTTPRequests,
		HTTPDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
