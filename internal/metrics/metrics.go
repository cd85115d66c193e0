// Package metrics provides Prometheus instrumentation for the wager engine.
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
	// WagersTotal counts accepted wagers, partitioned by side.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_engine_wagers_total",
		Help: "Total number of wagers accepted",
	}, []string{"side"})

	// WagerLatency measures PlaceWager from lock to commit.
	WagerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_engine_wager_latency_seconds",
		Help:    "Wager placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// StakeVolume tracks cumulative staked amount by side.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_engine_stake_volume_total",
		Help: "Cumulative amount staked",
	}, []string{"side"})

	// SettlementsTotal counts settled markets by winning side.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_engine_settlements_total",
		Help: "Markets settled",
	}, []string{"winning_side"})

	// PayoutVolume tracks the cumulative amount credited to winners.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_engine_payout_volume_total",
		Help: "Cumulative amount credited at settlement (stake plus profit)",
	})

	// VoidsTotal counts voided markets.
	VoidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_engine_voids_total",
		Help: "Markets voided with refunds",
	})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_engine_active_markets",
		Help: "Number of currently open markets",
	})

	// LedgerOps counts deposits and withdrawals.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_engine_ledger_ops_total",
		Help: "Deposits and withdrawals applied",
	}, []string{"op"})

	// LimitRejections counts wagers rejected by the stake limiter.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_engine_limit_rejections_total",
		Help: "Wagers rejected by the stake limiter",
	}, []string{"limit"})

	// CommitConflicts counts optimistic version conflicts.
	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_engine_commit_conflicts_total",
		Help: "Market commits rejected on version mismatch",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_engine_http_request_duration_seconds",
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

		// Route pattern rather than raw path keeps ids out of labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack lets the WebSocket upgrader take over wrapped connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
