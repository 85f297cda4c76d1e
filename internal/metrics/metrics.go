// Package metrics provides Prometheus instrumentation for the market engine.
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
	// DecisionsSubmitted counts accepted sell decisions by segment.
	DecisionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velosim_decisions_submitted_total",
		Help: "Total sell decisions accepted",
	}, []string{"segment"})

	// DecisionsRejected counts submissions failing validation.
	DecisionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velosim_decisions_rejected_total",
		Help: "Sell decisions rejected at validation",
	})

	// TurnsProcessed counts completed advanceTurn calls.
	TurnsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velosim_turns_processed_total",
		Help: "Total turns processed",
	})

	// TurnsSkipped counts benign no-op re-invocations of an already
	// processed period.
	TurnsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velosim_turns_skipped_total",
		Help: "Turn advances skipped because the period was already processed",
	})

	// TurnDuration tracks full-turn processing latency.
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "velosim_turn_duration_seconds",
		Help:    "Turn processing duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CellsProcessed counts settled cells.
	CellsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velosim_cells_processed_total",
		Help: "Total (market, product, segment) cells settled",
	})

	// UnitsAllocated counts units sold vs left unsold, by outcome.
	UnitsAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velosim_units_total",
		Help: "Units by allocation outcome",
	}, []string{"outcome"}) // "sold" or "unsold"

	// LotsAged counts lots touched by an aging pass.
	LotsAged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velosim_lots_aged_total",
		Help: "Inventory lots aged",
	})

	// WebSocketClients tracks connected observers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "velosim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velosim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "velosim_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
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
