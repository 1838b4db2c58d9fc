package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache records first-seen (uid_hash, nonce) pairs for the signature
// window. Remember returns false when the pair was already seen.
type NonceCache interface {
	Remember(ctx context.Context, uidHash, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceCache keeps nonces in the shared counter store so replay
// protection survives process restarts and spans nodes.
type RedisNonceCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisNonceCache builds a redis-backed nonce cache.
func NewRedisNonceCache(client *redis.Client) *RedisNonceCache {
	return &RedisNonceCache{client: client, keyPrefix: "nonce"}
}

// Remember inserts the pair with TTL; an existing entry means replay.
func (c *RedisNonceCache) Remember(ctx context.Context, uidHash, nonce string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", c.keyPrefix, uidHash, nonce)
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce setnx: %w", err)
	}
	return ok, nil
}
