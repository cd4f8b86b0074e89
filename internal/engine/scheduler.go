// Package engine runs the flash-market control loop. One goroutine owns the
// spawn, expiry and render ticks so each tick runs to completion before the
// next begins; bets reach the same state through the store's lock.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blinkmarket/flash-engine/internal/ledger"
	"github.com/blinkmarket/flash-engine/internal/market"
	"github.com/blinkmarket/flash-engine/internal/metrics"
	"github.com/blinkmarket/flash-engine/internal/model"
	"github.com/blinkmarket/flash-engine/internal/store"
)

var (
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("engine: scheduler already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("engine: scheduler stopped")
)

// PriceSource is the live price handle the scheduler reads on every tick.
// *feed.Client satisfies it.
type PriceSource interface {
	Snapshot() model.Snapshot
	Connected() bool
}

// View is the state published on each render tick.
type View struct {
	At        time.Time      `json:"at"`
	Active    []model.Market `json:"active"`
	Recent    []model.Market `json:"recent"`
	Prices    model.Snapshot `json:"prices"`
	Connected bool           `json:"connected"`
}

// Observer receives scheduler output. Calls come from the scheduler
// goroutine and must not block.
type Observer interface {
	Rendered(View)
	Resolved([]model.Market)
}

// Config holds the loop cadence and collection bounds.
type Config struct {
	SpawnEvery     time.Duration
	ExpiryEvery    time.Duration
	RenderEvery    time.Duration
	MaxActive      int
	InitialMarkets int
}

// DefaultConfig returns the standard cadence: spawn every 6s up to 6 active
// markets, expiry scan every 100ms, render every 500ms, 4 markets at start.
func DefaultConfig() Config {
	return Config{
		SpawnEvery:     6 * time.Second,
		ExpiryEvery:    100 * time.Millisecond,
		RenderEvery:    500 * time.Millisecond,
		MaxActive:      6,
		InitialMarkets: 4,
	}
}

// Scheduler owns the authoritative market collection for one engine instance.
type Scheduler struct {
	cfg       Config
	store     store.Store
	gen       *market.Generator
	resolver  *market.Resolver
	prices    PriceSource
	logger    *slog.Logger
	now       func() time.Time
	observers []Observer

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for expiry decisions.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithObserver registers an observer for render and resolution events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// New wires a scheduler. Nothing runs until Start.
func New(cfg Config, st store.Store, gen *market.Generator, resolver *market.Resolver, prices PriceSource, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		gen:      gen,
		resolver: resolver,
		prices:   prices,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start seeds the collection with the initial markets, generated without
// price data, and then starts the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	for i := 0; i < s.cfg.InitialMarkets; i++ {
		if err := s.spawn(ctx, nil); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.run(ctx)

	s.logger.Info("scheduler started",
		slog.Int("initial_markets", s.cfg.InitialMarkets),
		slog.Duration("spawn_every", s.cfg.SpawnEvery),
		slog.Duration("expiry_every", s.cfg.ExpiryEvery),
		slog.Duration("render_every", s.cfg.RenderEvery),
	)
	return nil
}

// Stop cancels all three tickers and waits for the loop to exit. No tick
// fires after Stop returns. Calling Stop more than once is safe.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.logger.Info("scheduler stopped")
}

// Done is closed when the loop has exited. It is nil before Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	spawn := time.NewTicker(s.cfg.SpawnEvery)
	expiry := time.NewTicker(s.cfg.ExpiryEvery)
	render := time.NewTicker(s.cfg.RenderEvery)
	defer spawn.Stop()
	defer expiry.Stop()
	defer render.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-spawn.C:
			s.spawnTick(ctx)
		case <-expiry.C:
			s.expiryTick(ctx)
		case <-render.C:
			s.renderTick(ctx)
		}
	}
}

// spawnTick adds one market when the active collection is below MaxActive.
func (s *Scheduler) spawnTick(ctx context.Context) {
	metrics.SchedulerTicks.WithLabelValues("spawn").Inc()

	n, err := s.store.ActiveCount(ctx)
	if err != nil {
		s.logger.Error("count active markets", slog.String("error", err.Error()))
		return
	}
	if n >= s.cfg.MaxActive {
		return
	}
	if err := s.spawn(ctx, s.prices.Snapshot()); err != nil {
		s.logger.Error("spawn market", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) spawn(ctx context.Context, prices model.Snapshot) error {
	m := s.gen.Generate(prices)
	if err := s.store.Add(ctx, m); err != nil {
		return err
	}
	metrics.MarketsSpawned.WithLabelValues(string(m.Category), string(m.Oracle)).Inc()
	metrics.ActiveMarkets.Inc()

	attrs := []any{
		slog.String("id", m.ID),
		slog.String("title", m.Title),
		slog.String("category", string(m.Category)),
		slog.String("oracle", string(m.Oracle)),
		slog.Duration("duration", m.Duration()),
	}
	if m.StartPrice != nil {
		attrs = append(attrs, slog.Float64("start_price", *m.StartPrice))
	}
	s.logger.Info("market spawned", attrs...)
	return nil
}

// expiryTick resolves every market whose window closed. When nothing has
// expired the tick leaves state and observers untouched.
func (s *Scheduler) expiryTick(ctx context.Context) {
	metrics.SchedulerTicks.WithLabelValues("expiry").Inc()

	prices := s.prices.Snapshot()
	resolved, err := s.store.Expire(ctx, s.now(), func(m model.Market) (model.Market, error) {
		return s.resolver.Resolve(m, prices)
	})
	if err != nil {
		s.logger.Error("expire markets", slog.String("error", err.Error()))
		return
	}
	if len(resolved) == 0 {
		return
	}

	metrics.ActiveMarkets.Sub(float64(len(resolved)))
	for _, m := range resolved {
		method := "coin_flip"
		if m.EndPrice != nil {
			method = "oracle"
		}
		metrics.MarketsResolved.WithLabelValues(method, string(*m.Winner)).Inc()

		attrs := []any{
			slog.String("id", m.ID),
			slog.String("oracle", string(m.Oracle)),
			slog.String("method", method),
			slog.String("winner", string(*m.Winner)),
			slog.String("total_pool", m.TotalPool.String()),
		}
		if m.EndPrice != nil {
			attrs = append(attrs, slog.Float64("start_price", *m.StartPrice), slog.Float64("end_price", *m.EndPrice))
		}
		s.logger.Info("market resolved", attrs...)
	}

	for _, o := range s.observers {
		o.Resolved(resolved)
	}
}

func (s *Scheduler) renderTick(ctx context.Context) {
	metrics.SchedulerTicks.WithLabelValues("render").Inc()
	if len(s.observers) == 0 {
		return
	}
	v, err := s.View(ctx)
	if err != nil {
		s.logger.Error("build view", slog.String("error", err.Error()))
		return
	}
	for _, o := range s.observers {
		o.Rendered(v)
	}
}

// View returns the current collection and price state.
func (s *Scheduler) View(ctx context.Context) (View, error) {
	active, err := s.store.Active(ctx)
	if err != nil {
		return View{}, err
	}
	recent, err := s.store.Recent(ctx)
	if err != nil {
		return View{}, err
	}
	return View{
		At:        s.now(),
		Active:    active,
		Recent:    recent,
		Prices:    s.prices.Snapshot(),
		Connected: s.prices.Connected(),
	}, nil
}

// PlaceBet stakes amount on side of the active market id. It returns the
// updated market and true when the stake was applied. A market that is
// missing or no longer active is a silent no-op: the zero Market, false and
// a nil error. Only invalid input produces an error.
func (s *Scheduler) PlaceBet(ctx context.Context, id string, side model.Side, amount decimal.Decimal) (model.Market, bool, error) {
	if err := ledger.Validate(side, amount); err != nil {
		return model.Market{}, false, err
	}

	m, err := s.store.UpdateActive(ctx, id, func(m *model.Market) error {
		return ledger.Apply(m, side, amount)
	})
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrNotActive):
		metrics.BetsIgnored.Inc()
		s.logger.Debug("bet ignored", slog.String("market_id", id))
		return model.Market{}, false, nil
	case err != nil:
		return model.Market{}, false, err
	}

	metrics.BetsPlaced.WithLabelValues(string(side)).Inc()
	metrics.BetVolume.WithLabelValues(string(side)).Add(amount.InexactFloat64())
	s.logger.Info("bet placed",
		slog.String("market_id", id),
		slog.String("side", string(side)),
		slog.String("amount", amount.String()),
		slog.String("total_pool", m.TotalPool.String()),
		slog.Int("pct_a", m.OptionA.Percentage),
		slog.Int("pct_b", m.OptionB.Percentage),
	)
	return m, true, nil
}

// Get returns an active or recently resolved market.
func (s *Scheduler) Get(ctx context.Context, id string) (model.Market, error) {
	return s.store.Get(ctx, id)
}
