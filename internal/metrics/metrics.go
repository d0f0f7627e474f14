// Package metrics provides Prometheus instrumentation for the lending engine.
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
	// OrdersTotal counts orders accepted, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"currency", "side"})

	// FillsTotal counts executions, partitioned by side of the taker.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_fills_total",
		Help: "Total number of fills executed",
	}, []string{"currency", "side"})

	// FillVolume tracks cumulative matched principal per currency.
	FillVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_fill_volume_total",
		Help: "Cumulative matched principal",
	}, []string{"currency"})

	// OrderLatency is the order placement latency including matching.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lendex_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// RotationsTotal counts auto-roll executions per currency.
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_rotations_total",
		Help: "Total number of market rotations",
	}, []string{"currency"})

	// ItayoseTotal counts opening auctions run per currency.
	ItayoseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_itayose_total",
		Help: "Total number of opening auctions executed",
	}, []string{"currency"})

	// LiquidationsTotal counts forced unwinds.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_liquidations_total",
		Help: "Total number of liquidation calls executed",
	}, []string{"currency"})

	// OpenMarkets tracks the number of tradable order books.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lendex_open_markets",
		Help: "Number of currently open order books",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lendex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lendex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// CollateralRejections counts orders rejected by the coverage check.
	CollateralRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lendex_collateral_rejections_total",
		Help: "Orders rejected by the collateral coverage check",
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
