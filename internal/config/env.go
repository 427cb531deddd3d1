// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openleads/scraperd/internal/log"
	"github.com/rs/zerolog"
)

// EnvPrefix is prepended to every environment variable this package reads.
const EnvPrefix = "SCRAPERD_"

// ParseString reads a string from the environment or returns the default.
// The chosen source is logged at debug for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "password") || strings.Contains(lowerKey, "token"):
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from the environment or returns the default.
// Invalid values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean ("true"/"1"/"false"/"0") from the environment.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			logger.Debug().
				Str("key", key).
				Bool("value", b).
				Str("source", "environment").
				Msg("using environment variable")
			return b
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

// ParseDuration reads a Go duration (e.g. "30s", "5m") from the environment.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

// ParseFloat reads a float from the environment or returns the default.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			return defaultValue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			logger.Debug().
				Str("key", key).
				Float64("value", f).
				Str("source", "environment").
				Msg("using environment variable")
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

// applyEnv overlays SCRAPERD_* environment variables onto cfg. Env beats
// file beats defaults.
func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = ParseString(EnvPrefix+"LISTEN", cfg.Server.ListenAddr)
	cfg.Server.MaxConns = ParseInt(EnvPrefix+"MAX_CONNS", cfg.Server.MaxConns)
	cfg.Server.RateLimitRPM = ParseInt(EnvPrefix+"RATE_LIMIT_RPM", cfg.Server.RateLimitRPM)

	cfg.Log.Level = ParseString(EnvPrefix+"LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = ParseString(EnvPrefix+"LOG_FORMAT", cfg.Log.Format)

	cfg.Scraper.DataDir = ParseString(EnvPrefix+"DATA_DIR", cfg.Scraper.DataDir)
	cfg.Scraper.MaxTowns = ParseInt(EnvPrefix+"MAX_TOWNS", cfg.Scraper.MaxTowns)
	cfg.Scraper.MaxIndustries = ParseInt(EnvPrefix+"MAX_INDUSTRIES", cfg.Scraper.MaxIndustries)
	cfg.Scraper.EnableCaptchaDetection = ParseBool(EnvPrefix+"ENABLE_CAPTCHA_DETECTION", cfg.Scraper.EnableCaptchaDetection)
	cfg.Scraper.BatchSize = ParseInt(EnvPrefix+"BATCH_SIZE", cfg.Scraper.BatchSize)
	cfg.Scraper.ScrollHardCap = ParseInt(EnvPrefix+"SCROLL_HARD_CAP", cfg.Scraper.ScrollHardCap)
	cfg.Scraper.CheckpointInterval = ParseDuration(EnvPrefix+"CHECKPOINT_INTERVAL", cfg.Scraper.CheckpointInterval)
	cfg.Scraper.WorkerMemorySoftCapMB = ParseInt(EnvPrefix+"WORKER_MEMORY_SOFT_CAP_MB", cfg.Scraper.WorkerMemorySoftCapMB)

	if ms := ParseInt(EnvPrefix+"NAV_BASE_DELAY_MS", 0); ms > 0 {
		cfg.Nav.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	cfg.Nav.MaxRetries = ParseInt(EnvPrefix+"NAV_MAX_RETRIES", cfg.Nav.MaxRetries)

	cfg.Lookup.ProviderCacheTTLDays = ParseInt(EnvPrefix+"PROVIDER_CACHE_TTL_DAYS", cfg.Lookup.ProviderCacheTTLDays)

	cfg.Cache.Backend = ParseString(EnvPrefix+"CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.BadgerDir = ParseString(EnvPrefix+"CACHE_BADGER_DIR", cfg.Cache.BadgerDir)
	cfg.Cache.RedisAddr = ParseString(EnvPrefix+"CACHE_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = ParseString(EnvPrefix+"CACHE_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = ParseInt(EnvPrefix+"CACHE_REDIS_DB", cfg.Cache.RedisDB)

	cfg.Queue.SweepInterval = ParseDuration(EnvPrefix+"QUEUE_SWEEP_INTERVAL", cfg.Queue.SweepInterval)
	cfg.Queue.AbandonAfter = ParseDuration(EnvPrefix+"QUEUE_ABANDON_AFTER", cfg.Queue.AbandonAfter)
	cfg.Queue.CrashGrace = ParseDuration(EnvPrefix+"QUEUE_CRASH_GRACE", cfg.Queue.CrashGrace)

	cfg.Telemetry.Enabled = ParseBool(EnvPrefix+"OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ServiceName = ParseString(EnvPrefix+"OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.Environment = ParseString(EnvPrefix+"OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.ExporterType = ParseString(EnvPrefix+"OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString(EnvPrefix+"OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(EnvPrefix+"OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
