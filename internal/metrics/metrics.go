// Package metrics provides Prometheus instrumentation for the exchange.
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
	// TradesTotal counts executed trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamex_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeRejections counts trades refused by a business rule.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_trade_rejections_total",
		Help: "Trades rejected by a business rule",
	}, []string{"code"})

	// TradeVolume tracks cumulative traded shares per team.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"team_id", "direction"})

	// SettlementsTotal counts settlement attempts by outcome
	// (settled, draw, already_settled, error).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// TransferVolumeCents accumulates value moved between teams.
	TransferVolumeCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamex_settlement_transfer_cents_total",
		Help: "Cumulative market cap transferred by settlement, in cents",
	})

	// SnapshotFallbacks counts settlements that ran without a pre-match
	// snapshot and used current caps instead.
	SnapshotFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamex_settlement_snapshot_fallbacks_total",
		Help: "Settlements that fell back to current market caps",
	})

	// SnapshotsCaptured counts pre-match valuation snapshots written.
	SnapshotsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamex_snapshots_captured_total",
		Help: "Pre-match market cap snapshots captured",
	})

	// WalletCredits counts wallet credits by outcome (applied, replayed).
	WalletCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_wallet_credits_total",
		Help: "Wallet credit requests by outcome",
	}, []string{"outcome"})

	// LockTimeouts counts operations aborted by a lock wait timeout.
	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_lock_timeouts_total",
		Help: "Operations aborted by lock wait timeouts",
	}, []string{"operation"})

	// ActiveTeams tracks the number of listed teams.
	ActiveTeams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamex_active_teams",
		Help: "Number of listed teams",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsConsumed counts fixture-result messages handled by the worker.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_events_consumed_total",
		Help: "Fixture result events consumed by outcome",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamex_http_request_duration_seconds",
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

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
