// Package metrics exposes the API's Prometheus instrumentation: HTTP request
// counts and latencies, ClickHouse query outcomes, and assistant turns.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo carries the build version labels; main sets it to 1 at startup.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_api_build_info",
			Help: "Build information for the quarry API.",
		},
		[]string{"version", "commit", "date"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_http_requests_total",
			Help: "HTTP requests served, by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_api_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	clickhouseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_clickhouse_queries_total",
			Help: "ClickHouse queries issued by the API, by result.",
		},
		[]string{"result"},
	)

	clickhouseQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_api_clickhouse_query_duration_seconds",
			Help:    "ClickHouse query latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_turns_total",
			Help: "Assistant turns run through the API, by intent.",
		},
		[]string{"intent"},
	)

	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_api_turn_duration_seconds",
			Help:    "End-to-end assistant turn latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

// Middleware records request counts and latencies labeled by the chi route
// pattern, so /api/conversations/{userID} stays one series per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordClickHouseQuery records one ClickHouse query issued by the API.
func RecordClickHouseQuery(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	clickhouseQueriesTotal.WithLabelValues(result).Inc()
	clickhouseQueryDuration.Observe(duration.Seconds())
}

// RecordTurn records one assistant turn and its end-to-end latency.
func RecordTurn(intent string, duration time.Duration) {
	turnsTotal.WithLabelValues(intent).Inc()
	turnDuration.Observe(duration.Seconds())
}
