// SPDX-License-Identifier: MIT

// Command daemon runs the scraperd control daemon: the session queue, the
// scraping orchestrator and the HTTP control API, over a single SQLite
// data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/daemon"
	"github.com/openleads/scraperd/internal/health"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/queue"
	"github.com/openleads/scraperd/internal/telemetry"
	"github.com/openleads/scraperd/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scraperd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "scraperd",
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit via --config, otherwise auto-load
	// ${SCRAPERD_DATA}/config.yaml if it exists, so a saved config
	// survives restarts without flags.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		if dataDir := strings.TrimSpace(config.ParseString("SCRAPERD_DATA", "")); dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectivePath = autoPath
			}
		}
	}

	loader := config.NewLoader(effectivePath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}
	log.SetLevel(cfg.Log.Level)

	if effectivePath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectivePath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.Server.ListenAddr).
		Msg("starting scraperd")
	logger.Info().Msgf("→ Data dir: %s", cfg.Scraper.DataDir)
	logger.Info().Msgf("→ Cache backend: %s", cfg.Cache.Backend)
	logger.Info().Msgf("→ Concurrency: %d towns × %d industries", cfg.Scraper.MaxTowns, cfg.Scraper.MaxIndustries)
	if !driverLinked() {
		logger.Warn().
			Str("event", "driver.missing").
			Msg("→ Page driver: NOT linked; sessions will fail at dispatch until an engine is registered")
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to initialise telemetry")
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "wiring.failed").
			Msg("failed to wire runtime")
	}

	mgr, err := daemon.NewManager(cfg.Server, daemon.Deps{
		Logger:     logger,
		Config:     cfg,
		APIHandler: rt.handler,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.init_failed").
			Msg("failed to create daemon manager")
	}

	// Hooks run LIFO: session runs unwind first, then the caches and the
	// store close under them, telemetry flushes last.
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)
	mgr.RegisterShutdownHook("session-store", func(context.Context) error {
		return rt.store.Close()
	})
	mgr.RegisterShutdownHook("provider-cache", func(context.Context) error {
		return rt.carriers.Close()
	})
	mgr.RegisterShutdownHook("session-runs", rt.drainRuns)

	// Hot reload only applies when a file backs the config.
	var holder *config.Holder
	if effectivePath != "" {
		holder = config.NewHolder(cfg, loader, effectivePath)
	}

	app := daemon.NewApp(logger, mgr, holder, queue.NewSweeper(rt.queue))
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("scraperd stopped")
}
