// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of the config file. All fields are optional;
// zero values mean "keep the current (default) value". Pointer fields
// distinguish "absent" from "explicit false/zero".
type FileConfig struct {
	Listen   string `yaml:"listen,omitempty"`
	DataDir  string `yaml:"dataDir,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
	// LogFormat is "json" or "console".
	LogFormat string `yaml:"logFormat,omitempty"`

	Server struct {
		ReadTimeout     string `yaml:"readTimeout,omitempty"`
		WriteTimeout    string `yaml:"writeTimeout,omitempty"`
		IdleTimeout     string `yaml:"idleTimeout,omitempty"`
		ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
		MaxConns        int    `yaml:"maxConns,omitempty"`
		RateLimitRPM    int    `yaml:"rateLimitRpm,omitempty"`
	} `yaml:"server,omitempty"`

	Scraper struct {
		MaxTowns               int    `yaml:"maxTowns,omitempty"`
		MaxIndustries          int    `yaml:"maxIndustries,omitempty"`
		EnableCaptchaDetection *bool  `yaml:"enableCaptchaDetection,omitempty"`
		BatchSize              int    `yaml:"batchSize,omitempty"`
		ScrollHardCap          int    `yaml:"scrollHardCap,omitempty"`
		CheckpointInterval     string `yaml:"checkpointInterval,omitempty"`
		WorkerMemorySoftCapMB  int    `yaml:"workerMemorySoftCapMb,omitempty"`
	} `yaml:"scraper,omitempty"`

	Nav struct {
		BaseDelayMs int `yaml:"navigationBaseDelayMs,omitempty"`
		MaxRetries  int `yaml:"navigationMaxRetries,omitempty"`
	} `yaml:"nav,omitempty"`

	Lookup struct {
		ProviderCacheTTLDays int `yaml:"providerCacheTtlDays,omitempty"`
	} `yaml:"lookup,omitempty"`

	Cache struct {
		Backend       string `yaml:"backend,omitempty"`
		BadgerDir     string `yaml:"badgerDir,omitempty"`
		RedisAddr     string `yaml:"redisAddr,omitempty"`
		RedisPassword string `yaml:"redisPassword,omitempty"`
		RedisDB       int    `yaml:"redisDb,omitempty"`
	} `yaml:"cache,omitempty"`

	Queue struct {
		SweepInterval string `yaml:"sweepInterval,omitempty"`
		AbandonAfter  string `yaml:"abandonAfter,omitempty"`
		CrashGrace    string `yaml:"crashGrace,omitempty"`
	} `yaml:"queue,omitempty"`

	Telemetry struct {
		Enabled      *bool   `yaml:"enabled,omitempty"`
		ServiceName  string  `yaml:"serviceName,omitempty"`
		Environment  string  `yaml:"environment,omitempty"`
		ExporterType string  `yaml:"exporterType,omitempty"`
		Endpoint     string  `yaml:"endpoint,omitempty"`
		SamplingRate float64 `yaml:"samplingRate,omitempty"`
	} `yaml:"telemetry,omitempty"`
}

// LoadFileConfig reads and decodes path. A missing file is not an error; it
// returns (nil, nil) so callers fall through to defaults + env.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &fc, nil
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

// applyFile overlays fc onto cfg. Only set fields are applied.
func applyFile(cfg *Config, fc *FileConfig) error {
	if fc == nil {
		return nil
	}

	setString(&cfg.Server.ListenAddr, fc.Listen)
	setString(&cfg.Scraper.DataDir, fc.DataDir)
	setString(&cfg.Log.Level, fc.LogLevel)
	setString(&cfg.Log.Format, fc.LogFormat)

	if err := setDuration(&cfg.Server.ReadTimeout, "server.readTimeout", fc.Server.ReadTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Server.WriteTimeout, "server.writeTimeout", fc.Server.WriteTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Server.IdleTimeout, "server.idleTimeout", fc.Server.IdleTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Server.ShutdownTimeout, "server.shutdownTimeout", fc.Server.ShutdownTimeout); err != nil {
		return err
	}
	setInt(&cfg.Server.MaxConns, fc.Server.MaxConns)
	setInt(&cfg.Server.RateLimitRPM, fc.Server.RateLimitRPM)

	setInt(&cfg.Scraper.MaxTowns, fc.Scraper.MaxTowns)
	setInt(&cfg.Scraper.MaxIndustries, fc.Scraper.MaxIndustries)
	if fc.Scraper.EnableCaptchaDetection != nil {
		cfg.Scraper.EnableCaptchaDetection = *fc.Scraper.EnableCaptchaDetection
	}
	setInt(&cfg.Scraper.BatchSize, fc.Scraper.BatchSize)
	setInt(&cfg.Scraper.ScrollHardCap, fc.Scraper.ScrollHardCap)
	if err := setDuration(&cfg.Scraper.CheckpointInterval, "scraper.checkpointInterval", fc.Scraper.CheckpointInterval); err != nil {
		return err
	}
	setInt(&cfg.Scraper.WorkerMemorySoftCapMB, fc.Scraper.WorkerMemorySoftCapMB)

	if fc.Nav.BaseDelayMs > 0 {
		cfg.Nav.BaseDelay = time.Duration(fc.Nav.BaseDelayMs) * time.Millisecond
	}
	setInt(&cfg.Nav.MaxRetries, fc.Nav.MaxRetries)

	setInt(&cfg.Lookup.ProviderCacheTTLDays, fc.Lookup.ProviderCacheTTLDays)

	setString(&cfg.Cache.Backend, fc.Cache.Backend)
	setString(&cfg.Cache.BadgerDir, fc.Cache.BadgerDir)
	setString(&cfg.Cache.RedisAddr, fc.Cache.RedisAddr)
	setString(&cfg.Cache.RedisPassword, fc.Cache.RedisPassword)
	setInt(&cfg.Cache.RedisDB, fc.Cache.RedisDB)

	if err := setDuration(&cfg.Queue.SweepInterval, "queue.sweepInterval", fc.Queue.SweepInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Queue.AbandonAfter, "queue.abandonAfter", fc.Queue.AbandonAfter); err != nil {
		return err
	}
	if err := setDuration(&cfg.Queue.CrashGrace, "queue.crashGrace", fc.Queue.CrashGrace); err != nil {
		return err
	}

	if fc.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *fc.Telemetry.Enabled
	}
	setString(&cfg.Telemetry.ServiceName, fc.Telemetry.ServiceName)
	setString(&cfg.Telemetry.Environment, fc.Telemetry.Environment)
	setString(&cfg.Telemetry.ExporterType, fc.Telemetry.ExporterType)
	setString(&cfg.Telemetry.Endpoint, fc.Telemetry.Endpoint)
	if fc.Telemetry.SamplingRate > 0 {
		cfg.Telemetry.SamplingRate = fc.Telemetry.SamplingRate
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, field, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: invalid duration %q: %w", field, v, err)
	}
	*dst = d
	return nil
}
