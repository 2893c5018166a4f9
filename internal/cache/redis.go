// Package cache keeps rendered speech in Redis so repeated phrases skip the model.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "speechd:audio:"

// ErrAddrEmpty is returned when no Redis address is configured.
var ErrAddrEmpty = errors.New("redis address cannot be empty")

// RedisCache implements core.AudioCache on top of a Redis client.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to addr and verifies the connection with a ping.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	if addr == "" {
		return nil, ErrAddrEmpty
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redis unavailable at %s: %w", addr, err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get returns the cached audio for key. A missing key is not an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	return data, true, nil
}

// Set stores data under key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, data []byte) error {
	err := c.client.Set(ctx, key, data, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Key hashes parts into a namespaced cache key.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))

	return keyPrefix + hex.EncodeToString(sum[:])
}
