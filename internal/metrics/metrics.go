// Package metrics provides Prometheus instrumentation for the flash engine.
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
	// ActiveMarkets tracks the number of markets still open for bets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flash_active_markets",
		Help: "Number of currently active flash markets",
	})

	// MarketsSpawned counts generated markets by category and oracle provenance.
	MarketsSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_markets_spawned_total",
		Help: "Total number of flash markets generated",
	}, []string{"category", "oracle"})

	// MarketsResolved counts resolutions by how the winner was decided
	// ("oracle" or "coin_flip") and the winning side.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_markets_resolved_total",
		Help: "Total number of flash markets resolved",
	}, []string{"method", "winner"})

	// BetsPlaced counts stakes applied to active markets, partitioned by side.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_bets_placed_total",
		Help: "Total number of bets applied to a market pool",
	}, []string{"side"})

	// BetsIgnored counts bets that targeted an absent or resolved market.
	BetsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_bets_ignored_total",
		Help: "Bets dropped because the market was gone or no longer active",
	})

	// BetVolume tracks cumulative stake placed through the ledger.
	BetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_bet_volume_total",
		Help: "Cumulative stake placed, by side",
	}, []string{"side"})

	// SchedulerTicks counts scheduler tick firings by kind.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_scheduler_ticks_total",
		Help: "Scheduler tick firings",
	}, []string{"tick"})

	// FeedConnected is 1 while the price stream socket is open.
	FeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flash_feed_socket_open",
		Help: "1 when the price feed socket is open",
	})

	// FeedSimulating is 1 while the fallback price simulator runs.
	FeedSimulating = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flash_feed_simulating",
		Help: "1 when simulated prices are being produced",
	})

	// FeedReconnects counts scheduled reconnect attempts by reason.
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_feed_reconnects_total",
		Help: "Price feed reconnects scheduled",
	}, []string{"reason"})

	// FeedMessages counts inbound stream frames by outcome
	// ("applied", "ignored", "malformed").
	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_feed_messages_total",
		Help: "Inbound price feed frames",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flash_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flash_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetFlag sets a 0/1 gauge.
func SetFlag(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// routePattern uses the chi route pattern to keep the path label bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
