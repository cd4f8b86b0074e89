// Package config defines the flash engine configuration and its validation.
// Every value is static for the life of the process.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/blinkmarket/flash-engine/internal/countdown"
	"github.com/blinkmarket/flash-engine/internal/engine"
	"github.com/blinkmarket/flash-engine/internal/feed"
	"github.com/blinkmarket/flash-engine/internal/market"
	"github.com/blinkmarket/flash-engine/internal/store"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by FLASH_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Feed      FeedConfig      `toml:"feed"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Countdown CountdownConfig `toml:"countdown"`
	Log       LogConfig       `toml:"log"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	BetRateLimit    float64  `toml:"bet_rate_limit"` // bets per second per client
	BetBurst        int      `toml:"bet_burst"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// FeedConfig holds the price stream subscription settings.
type FeedConfig struct {
	URL                   string               `toml:"url"`
	Assets                []string             `toml:"assets"`
	Grace                 duration             `toml:"grace"`
	SimulateEvery         duration             `toml:"simulate_every"`
	ReconnectAfterClose   duration             `toml:"reconnect_after_close"`
	ReconnectAfterFailure duration             `toml:"reconnect_after_failure"`
	HandshakeTimeout      duration             `toml:"handshake_timeout"`
	Seeds                 map[string]feed.Seed `toml:"seeds"`
	RandSeed              uint64               `toml:"rand_seed"` // 0 follows scheduler.seed
}

// SchedulerConfig holds the market loop cadence and generation bounds.
type SchedulerConfig struct {
	SpawnEvery     duration `toml:"spawn_every"`
	ExpiryEvery    duration `toml:"expiry_every"`
	RenderEvery    duration `toml:"render_every"`
	MaxActive      int      `toml:"max_active"`
	InitialMarkets int      `toml:"initial_markets"`
	HistorySize    int      `toml:"history_size"`
	MinDuration    duration `toml:"min_duration"`
	MaxDuration    duration `toml:"max_duration"`
	CryptoBias     float64  `toml:"crypto_bias"`
	Seed           uint64   `toml:"seed"` // 0 seeds from the clock
}

// CountdownConfig holds the presentation clock settings.
type CountdownConfig struct {
	Tick            duration `toml:"tick"`
	DefaultDuration duration `toml:"default_duration"`
}

// LogConfig enables an optional rotating log file next to stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "6s" or "100ms".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when no file or environment
// override says otherwise.
func Defaults() Config {
	fd := feed.DefaultConfig()
	ed := engine.DefaultConfig()
	md := market.DefaultSettings()

	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			BetRateLimit:    5,
			BetBurst:        10,
			ShutdownTimeout: duration{5 * time.Second},
		},
		Feed: FeedConfig{
			URL:                   fd.URL,
			Assets:                slices.Clone(fd.Assets),
			Grace:                 duration{fd.Grace},
			SimulateEvery:         duration{fd.SimulateEvery},
			ReconnectAfterClose:   duration{fd.ReconnectAfterClose},
			ReconnectAfterFailure: duration{fd.ReconnectAfterFailure},
			HandshakeTimeout:      duration{fd.HandshakeTimeout},
			Seeds:                 maps.Clone(fd.Seeds),
		},
		Scheduler: SchedulerConfig{
			SpawnEvery:     duration{ed.SpawnEvery},
			ExpiryEvery:    duration{ed.ExpiryEvery},
			RenderEvery:    duration{ed.RenderEvery},
			MaxActive:      ed.MaxActive,
			InitialMarkets: ed.InitialMarkets,
			HistorySize:    store.DefaultHistorySize,
			MinDuration:    duration{md.MinDuration},
			MaxDuration:    duration{md.MaxDuration},
			CryptoBias:     md.CryptoBias,
		},
		Countdown: CountdownConfig{
			Tick:            duration{countdown.DefaultTick},
			DefaultDuration: duration{countdown.DefaultDuration},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for missing or inconsistent values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.BetRateLimit <= 0 {
		errs = append(errs, "server: bet_rate_limit must be > 0")
	}
	if c.Server.BetBurst < 1 {
		errs = append(errs, "server: bet_burst must be >= 1")
	}

	if len(c.Feed.Assets) == 0 {
		errs = append(errs, "feed: assets must not be empty")
	}
	if c.Feed.URL == "" {
		errs = append(errs, "feed: url must not be empty")
	}
	positive := func(name string, d duration) {
		if d.Duration <= 0 {
			errs = append(errs, name+" must be > 0")
		}
	}
	positive("feed: grace", c.Feed.Grace)
	positive("feed: simulate_every", c.Feed.SimulateEvery)
	positive("feed: reconnect_after_close", c.Feed.ReconnectAfterClose)
	positive("feed: reconnect_after_failure", c.Feed.ReconnectAfterFailure)
	positive("scheduler: spawn_every", c.Scheduler.SpawnEvery)
	positive("scheduler: expiry_every", c.Scheduler.ExpiryEvery)
	positive("scheduler: render_every", c.Scheduler.RenderEvery)
	positive("countdown: tick", c.Countdown.Tick)
	positive("countdown: default_duration", c.Countdown.DefaultDuration)

	if c.Scheduler.MaxActive < 1 {
		errs = append(errs, "scheduler: max_active must be >= 1")
	}
	if c.Scheduler.InitialMarkets < 0 || c.Scheduler.InitialMarkets > c.Scheduler.MaxActive {
		errs = append(errs, "scheduler: initial_markets must be between 0 and max_active")
	}
	if c.Scheduler.HistorySize < 1 {
		errs = append(errs, "scheduler: history_size must be >= 1")
	}
	if c.Scheduler.MinDuration.Duration <= 0 || c.Scheduler.MaxDuration.Duration <= c.Scheduler.MinDuration.Duration {
		errs = append(errs, "scheduler: min_duration must be > 0 and below max_duration")
	}
	if c.Scheduler.CryptoBias < 0 || c.Scheduler.CryptoBias > 1 {
		errs = append(errs, "scheduler: crypto_bias must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// FeedOptions converts the feed section into a subscription config.
func (c *Config) FeedOptions() feed.Config {
	return feed.Config{
		URL:                   c.Feed.URL,
		Assets:                c.Feed.Assets,
		Grace:                 c.Feed.Grace.Duration,
		SimulateEvery:         c.Feed.SimulateEvery.Duration,
		ReconnectAfterClose:   c.Feed.ReconnectAfterClose.Duration,
		ReconnectAfterFailure: c.Feed.ReconnectAfterFailure.Duration,
		HandshakeTimeout:      c.Feed.HandshakeTimeout.Duration,
		Seeds:                 c.Feed.Seeds,
		RandSeed:              c.feedRandSeed(),
	}
}

// feedRandSeed derives the simulator seed from scheduler.seed when the feed
// has none of its own, so one seed reproduces a whole run.
func (c *Config) feedRandSeed() uint64 {
	if c.Feed.RandSeed != 0 || c.Scheduler.Seed == 0 {
		return c.Feed.RandSeed
	}
	return c.Scheduler.Seed + 2
}

// EngineOptions converts the scheduler section into the loop config.
func (c *Config) EngineOptions() engine.Config {
	return engine.Config{
		SpawnEvery:     c.Scheduler.SpawnEvery.Duration,
		ExpiryEvery:    c.Scheduler.ExpiryEvery.Duration,
		RenderEvery:    c.Scheduler.RenderEvery.Duration,
		MaxActive:      c.Scheduler.MaxActive,
		InitialMarkets: c.Scheduler.InitialMarkets,
	}
}

// MarketSettings converts the scheduler section into generator bounds.
func (c *Config) MarketSettings() market.Settings {
	s := market.DefaultSettings()
	s.MinDuration = c.Scheduler.MinDuration.Duration
	s.MaxDuration = c.Scheduler.MaxDuration.Duration
	s.CryptoBias = c.Scheduler.CryptoBias
	return s
}
