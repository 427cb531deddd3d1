// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions holds the redis connection parameters for the L2 backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend stores carrier entries in redis with per-key expiry. Useful
// when several scraper hosts should share one provider cache.
type RedisBackend struct {
	client *redis.Client
}

var _ Backend = (*RedisBackend)(nil)

// OpenRedisBackend connects and verifies the server is reachable.
func OpenRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("provider cache: redis connection failed: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) GetCarrier(ctx context.Context, phone string) (string, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+phone).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisBackend) PutCarrier(ctx context.Context, phone, carrier string, ttl time.Duration) error {
	return r.client.Set(ctx, keyPrefix+phone, carrier, ttl).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
