// Package metrics provides Prometheus instrumentation for the back-office.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DistributionsTotal counts Distribute/Retry runs by kind and result.
	DistributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_distributions_total",
		Help: "Total PnL distribution runs",
	}, []string{"kind", "result"})

	// DistributionLatency tracks end-to-end distribution time.
	DistributionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backoffice_distribution_latency_seconds",
		Help:    "PnL distribution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// UserOutcomes counts per-user distribution outcomes (APPLIED, SKIPPED, FAILED).
	UserOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_distribution_user_outcomes_total",
		Help: "Per-user PnL distribution outcomes",
	}, []string{"status"})

	// TransactionsPosted counts ledger rows posted by type and status.
	TransactionsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_transactions_posted_total",
		Help: "Ledger transactions posted",
	}, []string{"type", "status"})

	// StatusTransitions counts transaction status changes.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_transaction_status_transitions_total",
		Help: "Transaction status transitions",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backoffice_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backoffice_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over connections passing through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
