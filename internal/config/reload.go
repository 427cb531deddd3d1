// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/log"
)

// Holder keeps the live configuration and supports atomic hot reload from
// file. Only the dynamic subset (log level/format, queue sweep settings) is
// applied on reload; static fields keep their boot values and a restart note
// is logged when they differ.
type Holder struct {
	mu      sync.RWMutex
	current Config
	loader  *Loader
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	reloadMu  sync.RWMutex
	listeners []chan<- Config
}

// NewHolder creates a holder around an initial configuration.
func NewHolder(initial Config, loader *Loader, path string) *Holder {
	return &Holder{
		current:   initial,
		loader:    loader,
		path:      path,
		logger:    log.WithComponent("config"),
		listeners: make([]chan<- Config, 0),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates the file again, then applies the dynamic
// subset. On any failure the previous configuration stays in effect.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("reload: %w", err)
	}

	h.mu.Lock()
	old := h.current
	applied := old
	applied.Log = next.Log
	applied.Queue.SweepInterval = next.Queue.SweepInterval
	applied.Queue.AbandonAfter = next.Queue.AbandonAfter
	h.current = applied
	h.mu.Unlock()

	if staticChanged(old, next) {
		h.logger.Warn().
			Str("event", "config.restart_required").
			Msg("static configuration changed on disk; restart to apply")
	}

	h.notify(applied)

	h.logger.Info().
		Str("event", "config.reload_success").
		Str("log_level", applied.Log.Level).
		Dur("sweep_interval", applied.Queue.SweepInterval).
		Msg("configuration reloaded")
	return nil
}

// staticChanged reports whether any non-dynamic field differs.
func staticChanged(old, next Config) bool {
	old.Log = next.Log
	old.Queue.SweepInterval = next.Queue.SweepInterval
	old.Queue.AbandonAfter = next.Queue.AbandonAfter
	return old != next
}

// StartWatcher begins watching the config file. No-op with an empty path.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (env-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", h.path).
		Msg("watching config file for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Debounce rapid editor write sequences into one reload.
	var debounce *time.Timer
	const debounceAfter = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceAfter, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).
							Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop closes the watcher if running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener adds a channel that receives each successfully applied
// configuration. Delivery is non-blocking; slow listeners miss updates.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg Config) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
		}
	}
}
