package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

// Dimension names a rate-limit key space; denials report which one tripped.
type Dimension string

const (
	DimensionUser Dimension = "user"
	DimensionIP   Dimension = "ip"
)

var tokenBucketScript = redis.NewScript(`
local data = redis.call("HMGET", KEYS[1], "ts", "tokens")
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ts = tonumber(data[1])
local tokens = tonumber(data[2])
if ts == nil then
  ts = now
  tokens = capacity
else
  local elapsed = (now - ts) / 1000
  if elapsed < 0 then
    elapsed = 0
  end
  tokens = tokens + elapsed * refill
  if tokens > capacity then
    tokens = capacity
  end
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "ts", now, "tokens", tokens)
redis.call("PEXPIRE", KEYS[1], 60000)
return allowed
`)

// TokenBucket is a redis-backed token-bucket limiter keyed per
// (dimension, key). On redis failures it fails closed.
type TokenBucket struct {
	client *redis.Client
	clock  util.Clock
}

// NewTokenBucket builds a limiter on the shared counter store.
func NewTokenBucket(client *redis.Client, clock util.Clock) *TokenBucket {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &TokenBucket{client: client, clock: clock}
}

// Allow consumes one token from the bucket for (dim, key); capacity is the
// burst size and perSec the refill rate.
func (b *TokenBucket) Allow(ctx context.Context, dim Dimension, key string, capacity, perSec int) (bool, error) {
	redisKey := fmt.Sprintf("rl:%s:%s", dim, key)
	now := b.clock.Now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, b.client, []string{redisKey}, capacity, perSec, now).Int64()
	if err != nil {
		return false, fmt.Errorf("token bucket %s: %w", dim, err)
	}
	return res == 1, nil
}

// CommentGuard applies both comment-creation dimensions and the per
// (actor, post) cooldown.
type CommentGuard struct {
	bucket   *TokenBucket
	cooldown *Cooldown

	userPerSec int
	ipPerSec   int
}

// NewCommentGuard wires the comment admission rules.
func NewCommentGuard(bucket *TokenBucket, cooldown *Cooldown, userPerSec, ipPerSec int) *CommentGuard {
	return &CommentGuard{
		bucket:     bucket,
		cooldown:   cooldown,
		userPerSec: userPerSec,
		ipPerSec:   ipPerSec,
	}
}

// Check consumes tokens on the actor and ip dimensions and verifies the
// cooldown gap. The returned error names the tripped dimension.
func (g *CommentGuard) Check(ctx context.Context, actorID int64, ip string, postID int64) error {
	ok, err := g.bucket.Allow(ctx, DimensionUser, fmt.Sprintf("%d:comment", actorID), g.userPerSec, g.userPerSec)
	if err != nil {
		return apperr.Wrap(apperr.CodeRateLimited, "rate limit check failed", err)
	}
	if !ok {
		return apperr.RateLimited("rate limited on user dimension")
	}
	ok, err = g.bucket.Allow(ctx, DimensionIP, fmt.Sprintf("%s:comment", ip), g.ipPerSec, g.ipPerSec)
	if err != nil {
		return apperr.Wrap(apperr.CodeRateLimited, "rate limit check failed", err)
	}
	if !ok {
		return apperr.RateLimited("rate limited on ip dimension")
	}
	return g.cooldown.Check(ctx, actorID, postID)
}

// RecordSuccess stamps the cooldown after a successful creation.
func (g *CommentGuard) RecordSuccess(ctx context.Context, actorID, postID int64) {
	g.cooldown.MarkSuccess(ctx, actorID, postID)
}
