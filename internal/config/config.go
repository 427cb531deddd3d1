// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from defaults,
// an optional YAML file and SCRAPERD_* environment overrides, in that
// precedence order (env wins).
package config

import (
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Scraper   ScraperConfig
	Nav       NavConfig
	Lookup    LookupConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
	// MaxConns caps concurrent connections on the listener.
	MaxConns int
	// RateLimitRPM is the per-IP request budget per minute on control
	// endpoints. 0 disables rate limiting.
	RateLimitRPM int
}

// LogConfig holds logger settings. Level and Format are hot-reloadable.
type LogConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// ScraperConfig holds the per-session defaults and the worker discipline
// knobs. MaxTowns/MaxIndustries/EnableCaptchaDetection/BatchSize seed new
// sessions and can be overridden per request within the same bounds.
type ScraperConfig struct {
	DataDir string

	MaxTowns               int  // default parallel towns, 1..3
	MaxIndustries          int  // default parallel industries per town, 1..3
	EnableCaptchaDetection bool // pre-submit captcha check, default off
	BatchSize              int  // initial lookup batch size, 3..5

	// ScrollHardCap bounds listings harvested per (town, industry) pair.
	ScrollHardCap int
	// CheckpointInterval is the maximum age of a running session's
	// checkpoint.
	CheckpointInterval time.Duration
	// WorkerMemorySoftCapMB triggers worker respawn when exceeded.
	WorkerMemorySoftCapMB int
}

// NavConfig shapes navigation retries. The adaptive timeout bounds are fixed
// in the nav package; only the retry envelope is configurable.
type NavConfig struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// LookupConfig shapes carrier lookups and the provider cache TTL.
type LookupConfig struct {
	// ProviderCacheTTLDays is the time resolved carriers stay fresh.
	// Unknown results are always cached for one day regardless.
	ProviderCacheTTLDays int
}

// CacheConfig selects the provider cache L2 backend.
type CacheConfig struct {
	// Backend is one of badger, redis, sqlite, none.
	Backend string
	// BadgerDir overrides the badger database location. Empty means
	// <dataDir>/providercache.
	BadgerDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// QueueConfig shapes admission queue housekeeping.
type QueueConfig struct {
	// SweepInterval is how often queue housekeeping runs: the abandonment
	// sweep, stale-run recovery and the promotion retry.
	SweepInterval time.Duration
	// AbandonAfter is the waiting-entry age that triggers auto-cancel.
	AbandonAfter time.Duration
	// CrashGrace blocks new admission while a crashed run may still be
	// alive; older running sessions are marked error on boot.
	CrashGrace time.Duration
}

// TelemetryConfig enables OpenTelemetry tracing. Disabled by default.
type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	ExporterType string // grpc|http
	Endpoint     string
	SamplingRate float64
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxConns:        256,
			RateLimitRPM:    120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Scraper: ScraperConfig{
			DataDir:                "./data",
			MaxTowns:               2,
			MaxIndustries:          2,
			EnableCaptchaDetection: false,
			BatchSize:              5,
			ScrollHardCap:          200,
			CheckpointInterval:     30 * time.Second,
			WorkerMemorySoftCapMB:  512,
		},
		Nav: NavConfig{
			BaseDelay:  2 * time.Second,
			MaxRetries: 3,
		},
		Lookup: LookupConfig{
			ProviderCacheTTLDays: 30,
		},
		Cache: CacheConfig{
			Backend: "badger",
		},
		Queue: QueueConfig{
			SweepInterval: time.Minute,
			AbandonAfter:  24 * time.Hour,
			CrashGrace:    5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "scraperd",
			Environment:  "development",
			ExporterType: "grpc",
			SamplingRate: 1.0,
		},
	}
}
