package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults, loads a .env file if one is
// present, and applies FLASH_* environment overrides. An empty path skips the
// file. The returned Config has NOT been validated; call Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from FLASH_* environment
// variables that are set and parse cleanly.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setInt(&cfg.Server.Port, "FLASH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASH_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.BetRateLimit, "FLASH_SERVER_BET_RATE_LIMIT")
	setInt(&cfg.Server.BetBurst, "FLASH_SERVER_BET_BURST")
	setDuration(&cfg.Server.ShutdownTimeout, "FLASH_SERVER_SHUTDOWN_TIMEOUT")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "FLASH_FEED_URL")
	setStringSlice(&cfg.Feed.Assets, "FLASH_FEED_ASSETS")
	setDuration(&cfg.Feed.Grace, "FLASH_FEED_GRACE")
	setDuration(&cfg.Feed.SimulateEvery, "FLASH_FEED_SIMULATE_EVERY")
	setDuration(&cfg.Feed.ReconnectAfterClose, "FLASH_FEED_RECONNECT_AFTER_CLOSE")
	setDuration(&cfg.Feed.ReconnectAfterFailure, "FLASH_FEED_RECONNECT_AFTER_FAILURE")
	setDuration(&cfg.Feed.HandshakeTimeout, "FLASH_FEED_HANDSHAKE_TIMEOUT")
	setUint64(&cfg.Feed.RandSeed, "FLASH_FEED_RAND_SEED")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.SpawnEvery, "FLASH_SCHEDULER_SPAWN_EVERY")
	setDuration(&cfg.Scheduler.ExpiryEvery, "FLASH_SCHEDULER_EXPIRY_EVERY")
	setDuration(&cfg.Scheduler.RenderEvery, "FLASH_SCHEDULER_RENDER_EVERY")
	setInt(&cfg.Scheduler.MaxActive, "FLASH_SCHEDULER_MAX_ACTIVE")
	setInt(&cfg.Scheduler.InitialMarkets, "FLASH_SCHEDULER_INITIAL_MARKETS")
	setInt(&cfg.Scheduler.HistorySize, "FLASH_SCHEDULER_HISTORY_SIZE")
	setDuration(&cfg.Scheduler.MinDuration, "FLASH_SCHEDULER_MIN_DURATION")
	setDuration(&cfg.Scheduler.MaxDuration, "FLASH_SCHEDULER_MAX_DURATION")
	setFloat64(&cfg.Scheduler.CryptoBias, "FLASH_SCHEDULER_CRYPTO_BIAS")
	setUint64(&cfg.Scheduler.Seed, "FLASH_SCHEDULER_SEED")

	// ── Countdown ──
	setDuration(&cfg.Countdown.Tick, "FLASH_COUNTDOWN_TICK")
	setDuration(&cfg.Countdown.DefaultDuration, "FLASH_COUNTDOWN_DEFAULT_DURATION")

	// ── Log ──
	setStr(&cfg.Log.File, "FLASH_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "FLASH_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "FLASH_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "FLASH_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Log.Compress, "FLASH_LOG_COMPRESS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "FLASH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
