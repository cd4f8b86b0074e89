// Package api exposes the flash engine over HTTP and WebSocket: market and
// history queries, countdown projections, the price board, and bet placement.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/countdown"
	"github.com/blinkmarket/flash-engine/internal/engine"
	"github.com/blinkmarket/flash-engine/internal/ledger"
	"github.com/blinkmarket/flash-engine/internal/model"
	"github.com/blinkmarket/flash-engine/internal/store"
)

// Engine is the part of the scheduler the handlers need.
// *engine.Scheduler satisfies it.
type Engine interface {
	View(ctx context.Context) (engine.View, error)
	Get(ctx context.Context, id string) (model.Market, error)
	PlaceBet(ctx context.Context, id string, side model.Side, amount decimal.Decimal) (model.Market, bool, error)
}

// Options tunes the handlers.
type Options struct {
	CountdownDuration time.Duration // default ?duration= for countdowns
	CountdownTick     time.Duration // cadence of streamed countdowns
	BetRate           float64       // bets per second per client; <= 0 disables the limit
	BetBurst          int
	Now               func() time.Time
}

// Service holds the HTTP handlers.
type Service struct {
	engine   Engine
	opts     Options
	limiter  *clientLimiter
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewService creates the handler set over eng.
func NewService(eng Engine, opts Options, logger *slog.Logger) *Service {
	if opts.CountdownDuration <= 0 {
		opts.CountdownDuration = countdown.DefaultDuration
	}
	if opts.CountdownTick <= 0 {
		opts.CountdownTick = countdown.DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   eng,
		opts:     opts,
		limiter:  newClientLimiter(opts.BetRate, opts.BetBurst),
		logger:   logger.With(slog.String("component", "api")),
		upgrader: upgrader,
	}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/countdown", s.GetCountdown)
	r.Get("/markets/{marketID}/countdown/stream", s.StreamCountdown)
	r.Post("/bets", s.PlaceBet)
	r.Get("/history", s.History)
	r.Get("/prices", s.Prices)
	r.Get("/stats", s.Stats)
}

// --- Request/Response types ---

// BetRequest is the JSON body for POST /bets.
type BetRequest struct {
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
}

// BetResponse is returned from POST /bets. Market is omitted when the bet
// was not applied because the market had already closed.
type BetResponse struct {
	Applied bool        `json:"applied"`
	Market  *MarketView `json:"market,omitempty"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets
// Returns active markets, optionally filtered by ?category=; "All" or empty
// means no filter.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.View(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	markets := v.Active
	if c := r.URL.Query().Get("category"); c != "" && !strings.EqualFold(c, "all") {
		cat := model.Category(c)
		if !cat.Valid() {
			writeError(w, "unknown category: "+c, http.StatusBadRequest)
			return
		}
		markets = filterCategory(markets, cat)
	}

	writeJSON(w, http.StatusOK, marketViews(markets, s.opts.Now(), s.opts.CountdownDuration))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, marketViews([]model.Market{m}, s.opts.Now(), s.opts.CountdownDuration)[0])
}

// GetCountdown handles GET /api/v1/markets/{marketID}/countdown
// ?duration= is the progress window in milliseconds.
func (s *Service) GetCountdown(w http.ResponseWriter, r *http.Request) {
	duration, ok := s.countdownDuration(w, r)
	if !ok {
		return
	}
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, countdown.Derive(m.ExpiresAt, s.opts.Now(), duration))
}

// StreamCountdown handles GET /api/v1/markets/{marketID}/countdown/stream
// Upgrades to a WebSocket and pushes countdown frames until the market
// expires or the client goes away.
func (s *Service) StreamCountdown(w http.ResponseWriter, r *http.Request) {
	duration, ok := s.countdownDuration(w, r)
	if !ok {
		return
	}
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("countdown ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	timer := countdown.Start(m.ExpiresAt, duration, s.opts.CountdownTick, s.opts.Now)
	go func() {
		defer conn.Close()
		defer timer.Stop()

		// Detect the client closing its side.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case st, ok := <-timer.C:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "expired"))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(st); err != nil {
					return
				}
			}
		}
	}()
}

// PlaceBet handles POST /api/v1/bets
// A bet against a market that is gone or already resolved is accepted with
// 202 and applied=false; only malformed input is rejected.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r) {
		writeError(w, "too many bets, slow down", http.StatusTooManyRequests)
		return
	}

	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}
	req.Side = model.Side(strings.ToUpper(string(req.Side)))

	m, applied, err := s.engine.PlaceBet(r.Context(), req.MarketID, req.Side, req.Amount)
	switch {
	case errors.Is(err, ledger.ErrInvalidSide), errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("place bet", slog.String("market_id", req.MarketID), slog.String("error", err.Error()))
		writeError(w, "failed to place bet", http.StatusInternalServerError)
		return
	}

	if !applied {
		writeJSON(w, http.StatusAccepted, BetResponse{Applied: false})
		return
	}
	view := marketViews([]model.Market{m}, s.opts.Now(), s.opts.CountdownDuration)[0]
	writeJSON(w, http.StatusOK, BetResponse{Applied: true, Market: &view})
}

// History handles GET /api/v1/history
// Returns recently resolved markets, newest first.
func (s *Service) History(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.View(r.Context())
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v.Recent)
}

// Prices handles GET /api/v1/prices
func (s *Service) Prices(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.View(r.Context())
	if err != nil {
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, priceBoard(v.Prices, v.Connected))
}

// Stats handles GET /api/v1/stats
func (s *Service) Stats(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.View(r.Context())
	if err != nil {
		writeError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats(v.Active, v.Recent))
}

func (s *Service) lookup(w http.ResponseWriter, r *http.Request) (model.Market, bool) {
	m, err := s.engine.Get(r.Context(), chi.URLParam(r, "marketID"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "market not found", http.StatusNotFound)
		return model.Market{}, false
	case err != nil:
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return model.Market{}, false
	}
	return m, true
}

func (s *Service) countdownDuration(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("duration")
	if raw == "" {
		return s.opts.CountdownDuration, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		writeError(w, "duration must be a positive number of milliseconds", http.StatusBadRequest)
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// CORS allows cross-origin requests from origins; "*" allows any.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
