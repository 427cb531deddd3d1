// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/openleads/scraperd/internal/api"
	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/cache"
	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/health"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/orch"
	"github.com/openleads/scraperd/internal/provider"
	"github.com/openleads/scraperd/internal/queue"
	"github.com/openleads/scraperd/internal/retry"
	"github.com/openleads/scraperd/internal/store"
	"github.com/openleads/scraperd/internal/version"
)

// runtime holds the wired core: everything main needs to serve, drain and
// close.
type runtime struct {
	store    *store.SqliteStore
	carriers *provider.Cache
	orch     *orch.Orchestrator
	queue    *queue.Manager
	handler  http.Handler

	cancelRuns context.CancelFunc
	runCtx     context.Context
}

// buildRuntime assembles the scraping core bottom-up: store, carrier
// cache, event bus, retry queue, orchestrator, queue manager, health and
// the HTTP surface. Session runs derive from runCtx so drainRuns can
// unwind them during shutdown.
func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	st, err := store.NewSqliteStore(filepath.Join(cfg.Scraper.DataDir, "scraperd.db"))
	if err != nil {
		return nil, err
	}

	badgerDir := cfg.Cache.BadgerDir
	if badgerDir == "" {
		badgerDir = filepath.Join(cfg.Scraper.DataDir, "providercache")
	}
	backend, err := provider.OpenBackend(provider.BackendConfig{
		Backend:       cfg.Cache.Backend,
		BadgerDir:     badgerDir,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
		Table:         st,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	carriers := provider.New(cache.NewMemoryCache(time.Minute), backend, provider.Options{
		TTLResolved: time.Duration(cfg.Lookup.ProviderCacheTTLDays) * 24 * time.Hour,
	})

	eventBus := bus.NewMemoryBus()
	retryQueue := retry.NewQueue(st, retry.Options{
		BaseDelay:   cfg.Nav.BaseDelay,
		MaxAttempts: cfg.Nav.MaxRetries,
	})

	runCtx, cancelRuns := context.WithCancel(ctx)
	rt := &runtime{
		store:      st,
		carriers:   carriers,
		runCtx:     runCtx,
		cancelRuns: cancelRuns,
	}

	// Orchestrator and queue manager reference each other: the manager
	// drives Start/Transition, the orchestrator's terminal callback feeds
	// promotion. The closure breaks the construction cycle.
	orc := orch.New(orch.Deps{
		Store:   st,
		Bus:     eventBus,
		Retry:   retryQueue,
		Cache:   carriers,
		Factory: pageDriverFactory(),
		Config:  cfg,
		TerminalFn: func(sessionID string, status model.SessionStatus) {
			rt.queue.OnTerminal(sessionID, status)
		},
	})
	orc.Bind(runCtx)
	rt.orch = orc

	rt.queue = queue.NewManager(queue.Deps{Store: st, Runner: orc, Config: cfg})
	if err := rt.queue.Boot(ctx); err != nil {
		cancelRuns()
		_ = carriers.Close()
		_ = st.Close()
		return nil, err
	}

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewStoreChecker(st.DB))
	hm.RegisterChecker(health.NewCacheChecker(backend))
	hm.RegisterChecker(health.NewDataDirChecker(cfg.Scraper.DataDir))

	srv := api.NewServer(api.Deps{
		Queue:      rt.queue,
		Control:    orc,
		Store:      st,
		Bus:        eventBus,
		Health:     hm,
		Config:     cfg.Server,
		Telemetry:  cfg.Telemetry,
		LogEnabled: true,
	})
	rt.handler = srv.Handler()

	return rt, nil
}

// drainRuns cancels live session runs and waits for them to checkpoint
// and unwind, bounded by the shutdown deadline. Stored statuses stay
// running; the boot-time crash grace resolves them on the next start.
func (rt *runtime) drainRuns(hctx context.Context) error {
	rt.cancelRuns()
	done := make(chan struct{})
	go func() {
		_ = rt.orch.Run(rt.runCtx)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-hctx.Done():
		return errors.New("session runs did not unwind before the shutdown deadline")
	}
}
