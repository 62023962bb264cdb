// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// PerpTradesTotal counts perpetual opens and closes, partitioned by side.
	PerpTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_perp_trades_total",
		Help: "Total number of perpetual positions opened and closed",
	}, []string{"action", "side"})

	// LiquidationsTotal counts forced closes, partitioned by ticker.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_liquidations_total",
		Help: "Total number of liquidated positions",
	}, []string{"ticker"})

	// OpenPositions tracks open positions per ticker.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "babylon_open_positions",
		Help: "Number of currently open positions",
	}, []string{"ticker"})

	// OpenInterest tracks leveraged open interest per ticker.
	OpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "babylon_open_interest",
		Help: "Leveraged open interest in USD",
	}, []string{"ticker"})

	// PriceTicksTotal counts applied price updates per ticker.
	PriceTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_price_ticks_total",
		Help: "Total number of price updates applied",
	}, []string{"ticker"})

	// PredictionTradesTotal counts prediction-market share purchases.
	PredictionTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_prediction_trades_total",
		Help: "Total number of prediction share purchases",
	}, []string{"side"})

	// FundingSettlementsTotal counts funding settlements per ticker.
	FundingSettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_funding_settlements_total",
		Help: "Total number of funding settlements applied",
	}, []string{"ticker"})

	// ReconciliationRepairsTotal counts ledger rows corrected by the
	// reconciliation loop.
	ReconciliationRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babylon_reconciliation_repairs_total",
		Help: "Ledger rows repaired by the reconciliation loop",
	})

	// LedgerFailuresTotal counts durable writes that required compensation.
	LedgerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_ledger_failures_total",
		Help: "Durable writes that failed and were compensated",
	}, []string{"operation"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "babylon_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "babylon_http_request_duration_seconds",
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

		// Use the raw path for the label; the ops router only exposes a
		// handful of fixed routes, so cardinality stays bounded.
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
