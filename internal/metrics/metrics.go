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
	// TradesTotal counts executed trades, partitioned by order type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openpredict_trades_total",
		Help: "Total number of trades executed",
	}, []string{"order_type"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openpredict_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"order_type"})

	// ImpactRejections counts trades rejected by the price-impact bound.
	ImpactRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openpredict_impact_rejections_total",
		Help: "Trades rejected for exceeding the price impact bound",
	})

	// TxRetries counts serialization retries on trade endpoints.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openpredict_tx_retries_total",
		Help: "Trade transactions retried after a conflict or timeout",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openpredict_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ActiveEvents tracks the number of active prediction events.
	ActiveEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openpredict_active_events",
		Help: "Number of currently active events",
	})

	// TradingVolume24h tracks rolling 24h trade volume in playmoney.
	TradingVolume24h = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openpredict_trading_volume_24h",
		Help: "Trading volume over the last 24 hours",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openpredict_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openpredict_http_request_duration_seconds",
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
