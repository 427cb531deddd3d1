// SPDX-License-Identifier: MIT

// Package cache is the in-process L1 of the carrier cache. Keys are
// normalised phone numbers, values are carrier names, and every entry
// carries its own TTL so resolved and Unknown results can age differently.
package cache

import (
	"sync"
	"time"
)

// Cache is the L1 surface the provider cache layers over. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the carrier cached for phone, or false when the entry is
	// missing or past its TTL.
	Get(phone string) (string, bool)
	// Set stores carrier for phone until now+ttl.
	Set(phone, carrier string, ttl time.Duration)
	// Delete drops the entry for phone if present.
	Delete(phone string)
	// Len reports the number of entries, expired ones included until the
	// next sweep.
	Len() int
}

type entry struct {
	carrier string
	expires time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	sweeper *sweeper
}

// NewMemoryCache returns an in-memory carrier cache. A positive
// sweepInterval starts a background sweep that evicts expired entries;
// zero disables it, leaving expiry enforced on read only.
func NewMemoryCache(sweepInterval time.Duration) Cache {
	c := &memoryCache{entries: make(map[string]entry)}
	if sweepInterval > 0 {
		c.sweeper = &sweeper{interval: sweepInterval, stop: make(chan struct{})}
		go c.sweeper.run(c)
	}
	return c
}

func (c *memoryCache) Get(phone string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[phone]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.carrier, true
}

func (c *memoryCache) Set(phone, carrier string, ttl time.Duration) {
	if phone == "" || carrier == "" || ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[phone] = entry{carrier: carrier, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *memoryCache) Delete(phone string) {
	c.mu.Lock()
	delete(c.entries, phone)
	c.mu.Unlock()
}

func (c *memoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweep evicts every expired entry and returns how many were dropped.
func (c *memoryCache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for phone, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, phone)
			evicted++
		}
	}
	return evicted
}

// Stop halts the background sweep. No-op when none was started.
func (c *memoryCache) Stop() {
	if c.sweeper != nil {
		c.sweeper.stop <- struct{}{}
	}
}

type sweeper struct {
	interval time.Duration
	stop     chan struct{}
}

func (s *sweeper) run(c *memoryCache) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-s.stop:
			return
		}
	}
}

type noOpCache struct{}

// NewNoOpCache returns a cache that stores nothing. It disables the L1
// layer so every read falls through to the durable backend.
func NewNoOpCache() Cache {
	return noOpCache{}
}

func (noOpCache) Get(string) (string, bool)         { return "", false }
func (noOpCache) Set(string, string, time.Duration) {}
func (noOpCache) Delete(string)                     {}
func (noOpCache) Len() int                          { return 0 }
