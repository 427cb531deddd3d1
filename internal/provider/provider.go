// SPDX-License-Identifier: MIT

// Package provider resolves and caches the telecom carrier for normalised
// phone numbers. A carrier lookup costs a full browser navigation, so results
// live in two layers: a small in-process L1 for the hot path and a durable L2
// that survives restarts and is shared across sessions.
package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/cache"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/normalize"
)

// keyPrefix namespaces carrier entries in shared backends (badger, redis).
const keyPrefix = "prov:"

// Resolved carriers are effectively stable; Unknown means the source had
// nothing for this number, so those are retried daily.
const (
	DefaultTTLResolved = 30 * 24 * time.Hour
	DefaultTTLUnknown  = 24 * time.Hour
)

// Backend is the durable L2 contract. Implementations enforce TTL expiry
// themselves (engine TTLs for badger/redis, expires_at_ms for sqlite).
type Backend interface {
	GetCarrier(ctx context.Context, phone string) (carrier string, ok bool, err error)
	PutCarrier(ctx context.Context, phone, carrier string, ttl time.Duration) error
	Close() error
}

// Options tunes the cache TTL policy. Zero values take the defaults.
type Options struct {
	TTLResolved time.Duration
	TTLUnknown  time.Duration
}

// Cache is the layered read-through carrier cache.
type Cache struct {
	l1          cache.Cache
	l2          Backend
	logger      zerolog.Logger
	ttlResolved time.Duration
	ttlUnknown  time.Duration
}

// New builds a layered cache over l1 and l2. Both must be non-nil; use
// cache.NewNoOpCache or NoopBackend to disable a layer.
func New(l1 cache.Cache, l2 Backend, opts Options) *Cache {
	if opts.TTLResolved <= 0 {
		opts.TTLResolved = DefaultTTLResolved
	}
	if opts.TTLUnknown <= 0 {
		opts.TTLUnknown = DefaultTTLUnknown
	}
	return &Cache{
		l1:          l1,
		l2:          l2,
		logger:      log.WithComponent("provider-cache"),
		ttlResolved: opts.TTLResolved,
		ttlUnknown:  opts.TTLUnknown,
	}
}

// Get returns the cached carrier for phone. The phone is normalised before
// lookup so every written form of the same number shares one entry. L2 hits
// are backfilled into L1. Backend errors degrade to a miss: the caller falls
// through to a live lookup.
func (c *Cache) Get(ctx context.Context, phone string) (string, bool) {
	key := normalize.Phone(phone)
	if key == "" {
		return "", false
	}

	if carrier, ok := c.l1.Get(key); ok {
		metrics.IncCacheRequest("l1", "hit")
		return carrier, true
	}
	metrics.IncCacheRequest("l1", "miss")

	carrier, ok, err := c.l2.GetCarrier(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("phone", key).Msg("provider cache read failed")
		metrics.IncCacheRequest("l2", "miss")
		return "", false
	}
	if !ok || carrier == "" {
		metrics.IncCacheRequest("l2", "miss")
		return "", false
	}
	metrics.IncCacheRequest("l2", "hit")

	c.l1.Set(key, carrier, c.ttlFor(carrier))
	return carrier, true
}

// Put stores a resolved carrier in both layers. Unknown results are cached
// too, just with the short TTL, so a dead number is not re-looked-up within
// the same day. Empty phone or carrier is a no-op.
func (c *Cache) Put(ctx context.Context, phone, carrier string) {
	key := normalize.Phone(phone)
	if key == "" || carrier == "" {
		return
	}

	ttl := c.ttlFor(carrier)
	c.l1.Set(key, carrier, ttl)
	if err := c.l2.PutCarrier(ctx, key, carrier, ttl); err != nil {
		c.logger.Warn().Err(err).Str("phone", key).Msg("provider cache write failed")
	}
}

// Close releases the durable layer.
func (c *Cache) Close() error {
	return c.l2.Close()
}

func (c *Cache) ttlFor(carrier string) time.Duration {
	if carrier == model.ProviderUnknown {
		return c.ttlUnknown
	}
	return c.ttlResolved
}
