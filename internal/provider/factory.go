// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CarrierTable is the slice of the relational store the sqlite backend
// needs. *store.SqliteStore satisfies it.
type CarrierTable interface {
	GetProvider(ctx context.Context, phone string, now time.Time) (string, bool, error)
	PutProvider(ctx context.Context, phone, carrier string, now time.Time, ttl time.Duration) error
}

// SqliteBackend reuses the session database's provider_cache table, for
// deployments that want a single data file.
type SqliteBackend struct {
	table CarrierTable
	now   func() time.Time
}

var _ Backend = (*SqliteBackend)(nil)

func NewSqliteBackend(table CarrierTable) *SqliteBackend {
	return &SqliteBackend{table: table, now: time.Now}
}

func (s *SqliteBackend) GetCarrier(ctx context.Context, phone string) (string, bool, error) {
	return s.table.GetProvider(ctx, phone, s.now())
}

func (s *SqliteBackend) PutCarrier(ctx context.Context, phone, carrier string, ttl time.Duration) error {
	return s.table.PutProvider(ctx, phone, carrier, s.now(), ttl)
}

// Close is a no-op: the underlying database is owned by the session store.
func (s *SqliteBackend) Close() error { return nil }

// NoopBackend disables the durable layer. Every read misses.
type NoopBackend struct{}

var _ Backend = NoopBackend{}

func (NoopBackend) GetCarrier(context.Context, string) (string, bool, error) { return "", false, nil }
func (NoopBackend) PutCarrier(context.Context, string, string, time.Duration) error {
	return nil
}
func (NoopBackend) Close() error { return nil }

// BackendConfig selects and parameterises the durable layer.
type BackendConfig struct {
	Backend       string // badger | redis | sqlite | none
	BadgerDir     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Table         CarrierTable // required for the sqlite backend
}

// OpenBackend creates the configured L2 backend. An empty backend name
// defaults to badger.
func OpenBackend(cfg BackendConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "badger":
		return OpenBadgerBackend(cfg.BadgerDir)
	case "redis":
		return OpenRedisBackend(RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	case "sqlite":
		if cfg.Table == nil {
			return nil, errors.New("provider cache: sqlite backend needs a carrier table")
		}
		return NewSqliteBackend(cfg.Table), nil
	case "none":
		return NoopBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown provider cache backend: %s", cfg.Backend)
	}
}
