// SPDX-License-Identifier: MIT

// Package retry persists failed work units and re-dispatches them with
// exponential backoff. Items survive restarts; exhausted items stay in the
// store for diagnostics but are never handed out again.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
)

const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxAttempts = 3
)

// Clock provides an interface for time-based operations.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using time.Now().
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Store is the slice of the session store the queue needs.
type Store interface {
	InsertRetryItem(ctx context.Context, it *model.RetryItem) (int64, error)
	GetRetryItem(ctx context.Context, id int64) (*model.RetryItem, error)
	UpdateRetryItem(ctx context.Context, it *model.RetryItem) error
	DeleteRetryItem(ctx context.Context, id int64) error
	DueRetryItems(ctx context.Context, sessionID string, now time.Time, limit int) ([]*model.RetryItem, error)
	ListRetryItems(ctx context.Context, sessionID string, includeExhausted bool) ([]*model.RetryItem, error)
	CountPendingRetries(ctx context.Context, sessionID string) (int, error)
	CountPendingRetriesByType(ctx context.Context, sessionID string) (map[model.RetryType]int, error)
}

// Options tunes the queue. Zero values take the defaults.
type Options struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Clock       Clock
}

// Queue schedules persisted retry items. A single daemon process owns the
// store, so dispatch leases are in-memory only: an item handed to a worker
// is not handed out again until MarkFailed, MarkSucceeded or Release.
type Queue struct {
	store       Store
	clock       Clock
	base        time.Duration
	maxAttempts int
	logger      zerolog.Logger

	mu     sync.Mutex
	leased map[int64]struct{}
}

// NewQueue builds a retry queue over the given store.
func NewQueue(store Store, opts Options) *Queue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Queue{
		store:       store,
		clock:       opts.Clock,
		base:        opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		logger:      log.WithComponent("retry-queue"),
		leased:      make(map[int64]struct{}),
	}
}

// Enqueue persists a fresh item scheduled baseDelay from now. The write is
// synchronous: when Enqueue returns nil the item is durable.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, typ model.RetryType, payload []byte) (*model.RetryItem, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("retry: invalid item type %q", typ)
	}

	now := q.clock.Now()
	it := &model.RetryItem{
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		Attempts:  0,
		NextRetry: now.Add(q.base),
	}
	if _, err := q.store.InsertRetryItem(ctx, it); err != nil {
		return nil, err
	}

	q.logger.Debug().
		Str(log.FieldSessionID, sessionID).
		Str("type", string(typ)).
		Int64("item_id", it.ID).
		Time("next_retry", it.NextRetry).
		Msg("retry item enqueued")
	metrics.IncRetryEnqueued(string(typ))
	q.publishDepth(ctx, sessionID)
	return it, nil
}

// DueItems returns unleased items whose next attempt is at or before now,
// ordered oldest first, and leases them to the caller.
func (q *Queue) DueItems(ctx context.Context, sessionID string) ([]*model.RetryItem, error) {
	items, err := q.store.DueRetryItems(ctx, sessionID, q.clock.Now(), 0)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.RetryItem
	for _, it := range items {
		if _, held := q.leased[it.ID]; held {
			continue
		}
		q.leased[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out, nil
}

// MarkFailed records another failed attempt: bumps the attempt count,
// pushes next_retry out by the backoff schedule and flags the item
// exhausted once it has burned all attempts. The row is kept either way.
func (q *Queue) MarkFailed(ctx context.Context, id int64) (*model.RetryItem, error) {
	it, err := q.store.GetRetryItem(ctx, id)
	if err != nil {
		q.release(id)
		return nil, err
	}

	it.Attempts++
	it.NextRetry = q.clock.Now().Add(Backoff(q.base, it.Attempts))
	if it.Attempts >= q.maxAttempts {
		it.Exhausted = true
	}

	if err := q.store.UpdateRetryItem(ctx, it); err != nil {
		q.release(id)
		return nil, err
	}
	q.release(id)

	if it.Exhausted {
		q.logger.Warn().
			Str(log.FieldSessionID, it.SessionID).
			Str("type", string(it.Type)).
			Int64("item_id", it.ID).
			Int("attempts", it.Attempts).
			Msg("retry item exhausted")
	}
	q.publishDepth(ctx, it.SessionID)
	return it, nil
}

// MarkSucceeded deletes the item.
func (q *Queue) MarkSucceeded(ctx context.Context, id int64) error {
	it, err := q.store.GetRetryItem(ctx, id)
	if err != nil {
		q.release(id)
		return err
	}
	if err := q.store.DeleteRetryItem(ctx, id); err != nil {
		q.release(id)
		return err
	}
	q.release(id)
	q.publishDepth(ctx, it.SessionID)
	return nil
}

// Release returns a leased item without recording an attempt. Used when
// dispatch is aborted before the work ran (pause, shutdown).
func (q *Queue) Release(id int64) {
	q.release(id)
}

// PendingCount reports non-exhausted items for the session, leased or not.
func (q *Queue) PendingCount(ctx context.Context, sessionID string) (int, error) {
	return q.store.CountPendingRetries(ctx, sessionID)
}

// Snapshot serialises the session's non-exhausted items for inclusion in a
// checkpoint. The store remains authoritative; the snapshot is for report
// and inspection tooling.
func (q *Queue) Snapshot(ctx context.Context, sessionID string) ([]byte, error) {
	items, err := q.store.ListRetryItems(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(items)
}

func (q *Queue) release(id int64) {
	q.mu.Lock()
	delete(q.leased, id)
	q.mu.Unlock()
}

func (q *Queue) publishDepth(ctx context.Context, sessionID string) {
	counts, err := q.store.CountPendingRetriesByType(ctx, sessionID)
	if err != nil {
		q.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("retry depth refresh failed")
		return
	}
	for _, typ := range []model.RetryType{model.RetryNavigation, model.RetryLookup, model.RetryExtraction} {
		metrics.SetRetryQueueDepth(string(typ), float64(counts[typ]))
	}
}

// Backoff returns the delay scheduled after the given number of failed
// attempts: base × 2^(attempts−1).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		return base
	}
	return base << (attempts - 1)
}
