// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/queue"
)

// App owns the long-lived runtime pieces around the Manager: the config
// watcher, reload wiring and the queue sweeper.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	holder       *config.Holder
	sweeper      *queue.Sweeper
	reloadSignal os.Signal
}

// NewApp creates the runtime orchestrator. holder and sweeper are optional.
func NewApp(logger zerolog.Logger, manager Manager, holder *config.Holder, sweeper *queue.Sweeper) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		holder:       holder,
		sweeper:      sweeper,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: a watcher failure must not stop boot.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).
				Str("event", "config.watcher_start_failed").
				Msg("failed to start config watcher")
		}

		applyCh := make(chan config.Config, 1)
		a.holder.RegisterListener(applyCh)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-applyCh:
					log.SetLevel(cfg.Log.Level)
					a.logger.Info().
						Str("event", "config.applied").
						Str("log_level", cfg.Log.Level).
						Msg("dynamic configuration applied")
				}
			}
		})

		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal")
					if err := a.holder.Reload(context.Background()); err != nil {
						a.logger.Warn().Err(err).
							Str("event", "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	// Queue housekeeping (abandoned waiters, crash grace, promotion).
	if a.sweeper != nil {
		g.Go(func() error {
			if err := a.sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}
