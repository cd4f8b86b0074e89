package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/blinkmarket/flash-engine/internal/api"
	"github.com/blinkmarket/flash-engine/internal/config"
	"github.com/blinkmarket/flash-engine/internal/engine"
	"github.com/blinkmarket/flash-engine/internal/feed"
	"github.com/blinkmarket/flash-engine/internal/market"
	"github.com/blinkmarket/flash-engine/internal/metrics"
	"github.com/blinkmarket/flash-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLASH_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("flash-engine exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	fmt.Println("flash-engine stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Price feed ---
	prices, err := feed.Subscribe(ctx, cfg.FeedOptions(), logger)
	if err != nil {
		return fmt.Errorf("subscribe to price feed: %w", err)
	}
	defer prices.Close()

	// --- Market engine ---
	var genOpts []market.GeneratorOption
	var resolverRand market.Rand
	if seed := cfg.Scheduler.Seed; seed != 0 {
		genOpts = append(genOpts, market.WithRand(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))))
		resolverRand = rand.New(rand.NewPCG(seed+1, seed))
		logger.Info("deterministic market generation", slog.Uint64("seed", seed))
	}
	gen, err := market.NewGenerator(market.DefaultCatalog, cfg.Feed.Assets, cfg.MarketSettings(), genOpts...)
	if err != nil {
		return fmt.Errorf("market generator: %w", err)
	}
	resolver := market.NewResolver(cfg.Feed.Assets, resolverRand, nil)

	hub := api.NewWSHub(cfg.Countdown.DefaultDuration.Duration, logger)
	st := store.NewMemoryStore(cfg.Scheduler.HistorySize)
	sched := engine.New(cfg.EngineOptions(), st, gen, resolver, prices, logger, engine.WithObserver(hub))

	svc := api.NewService(sched, api.Options{
		CountdownDuration: cfg.Countdown.DefaultDuration.Duration,
		CountdownTick:     cfg.Countdown.Tick.Duration,
		BetRate:           cfg.Server.BetRateLimit,
		BetBurst:          cfg.Server.BetBurst,
	}, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(api.CORS(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"flash-engine","feed_connected":%t}`, prices.Connected())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Board frames for every render tick plus resolution events.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("flash-engine listening", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down flash-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
