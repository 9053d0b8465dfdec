// Package metrics provides Prometheus instrumentation for the escrow engine.
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
	// EscrowsCreated counts escrows funded into custody.
	EscrowsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kempire_escrows_created_total",
		Help: "Total number of escrows created",
	})

	// SettlementsTotal counts settlements, partitioned by the path that
	// triggered them (confirm, auto_release, arbiter).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kempire_escrow_settlements_total",
		Help: "Total number of escrow settlements",
	}, []string{"path"})

	// RefundsTotal counts arbiter refunds to buyers.
	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kempire_escrow_refunds_total",
		Help: "Total number of escrow refunds",
	})

	// DisputesTotal counts opened disputes, partitioned by which side
	// initiated them.
	DisputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kempire_escrow_disputes_total",
		Help: "Total number of disputes opened",
	}, []string{"initiator"})

	// CustodyBalance tracks the value currently held in custody, in minor
	// currency units.
	CustodyBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kempire_escrow_custody_balance",
		Help: "Value currently held in escrow custody (minor units)",
	})

	// TransferFailures counts treasury transfers rejected mid-operation.
	TransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kempire_escrow_transfer_failures_total",
		Help: "Treasury transfers rejected during escrow operations",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kempire_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kempire_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kempire_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		path := r.URL.Path
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
