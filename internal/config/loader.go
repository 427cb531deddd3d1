// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"

	"github.com/openleads/scraperd/internal/validate"
)

// Loader resolves the effective configuration from defaults, an optional
// file and the environment.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given config file path. An empty path
// means env-only configuration.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.path != "" {
		fc, err := LoadFileConfig(l.path)
		if err != nil {
			return Config{}, err
		}
		if err := applyFile(&cfg, fc); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the resolved configuration. Session-level overrides are
// validated again at StartSession; this guards the daemon-wide defaults.
func Validate(cfg Config) error {
	v := validate.New()

	v.NotEmpty("server.listen", cfg.Server.ListenAddr)
	v.Positive("server.maxConns", cfg.Server.MaxConns)
	v.NonNegative("server.rateLimitRpm", cfg.Server.RateLimitRPM)

	v.OneOf("log.level", cfg.Log.Level, []string{"trace", "debug", "info", "warn", "error"})
	v.OneOf("log.format", cfg.Log.Format, []string{"json", "console"})

	v.NotEmpty("scraper.dataDir", cfg.Scraper.DataDir)
	v.Range("scraper.maxTowns", cfg.Scraper.MaxTowns, 1, 3)
	v.Range("scraper.maxIndustries", cfg.Scraper.MaxIndustries, 1, 3)
	v.Range("scraper.batchSize", cfg.Scraper.BatchSize, 3, 5)
	v.Positive("scraper.scrollHardCap", cfg.Scraper.ScrollHardCap)
	v.MinDuration("scraper.checkpointInterval", cfg.Scraper.CheckpointInterval, time.Second)
	v.Positive("scraper.workerMemorySoftCapMb", cfg.Scraper.WorkerMemorySoftCapMB)

	v.MinDuration("nav.baseDelay", cfg.Nav.BaseDelay, 100*time.Millisecond)
	v.Range("nav.maxRetries", cfg.Nav.MaxRetries, 1, 10)

	v.Positive("lookup.providerCacheTtlDays", cfg.Lookup.ProviderCacheTTLDays)

	v.OneOf("cache.backend", cfg.Cache.Backend, []string{"badger", "redis", "sqlite", "none"})
	if cfg.Cache.Backend == "redis" {
		v.NotEmpty("cache.redisAddr", cfg.Cache.RedisAddr)
	}

	v.MinDuration("queue.sweepInterval", cfg.Queue.SweepInterval, time.Minute)
	v.MinDuration("queue.abandonAfter", cfg.Queue.AbandonAfter, time.Minute)
	v.MinDuration("queue.crashGrace", cfg.Queue.CrashGrace, 0)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "sampling rate must be within [0,1]", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}
