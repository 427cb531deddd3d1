// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/orch"
	"github.com/openleads/scraperd/internal/store"
)

// Sweeper runs the queue housekeeping on a timer: abandoned waiters are
// cancelled, crashed runs past grace are failed, and promotion is retried
// so a grace hold cannot park the line forever.
type Sweeper struct {
	m        *Manager
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper wires a sweeper for m using the configured interval.
func NewSweeper(m *Manager) *Sweeper {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		m:        m,
		interval: interval,
		logger:   log.WithComponent("queue.sweeper"),
	}
}

// Run ticks until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.m.SweepOnce(ctx, now.UTC())
		}
	}
}

// SweepOnce performs one housekeeping pass at the given time and reports how
// many abandoned entries it cancelled. Deterministic for tests: no timers,
// everything derives from now.
func (m *Manager) SweepOnce(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	waiting, err := m.store.ListWaiting(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("waiting list query failed, sweep skipped")
		return 0
	}
	for _, e := range waiting {
		if now.Sub(e.EnqueuedAt) < m.cfg.AbandonAfter {
			continue
		}
		if _, err := m.runner.Transition(ctx, e.SessionID, orch.EventCancel); err != nil {
			m.logger.Error().Err(err).Str(log.FieldSessionID, e.SessionID).
				Msg("abandoned session cancel rejected")
			continue
		}
		if err := m.store.FinishQueueEntry(ctx, e.SessionID, model.QueueCancelled); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error().Err(err).Str(log.FieldSessionID, e.SessionID).
				Msg("abandoned entry close failed")
			continue
		}
		metrics.IncQueueAbandoned()
		swept++
		m.logger.Info().Str(log.FieldSessionID, e.SessionID).
			Time("enqueuedAt", e.EnqueuedAt).
			Msg("abandoned queue entry cancelled")
	}

	m.promoteLocked(ctx)
	m.refreshWaitingLocked(ctx)
	return swept
}
