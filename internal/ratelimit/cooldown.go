package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

// Cooldown enforces a minimum gap between successive successful comment
// creations by the same (actor, post) pair. The last-success timestamp lives
// in the counter store; redis failures deny.
type Cooldown struct {
	client *redis.Client
	clock  util.Clock
	gap    time.Duration
}

// NewCooldown builds the comment cooldown rule.
func NewCooldown(client *redis.Client, clock util.Clock, gap time.Duration) *Cooldown {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Cooldown{client: client, clock: clock, gap: gap}
}

func (c *Cooldown) key(actorID, postID int64) string {
	return fmt.Sprintf("cooldown:%d:%d", actorID, postID)
}

// Check rejects when the last successful creation is closer than the gap.
func (c *Cooldown) Check(ctx context.Context, actorID, postID int64) error {
	if c.gap <= 0 {
		return nil
	}
	raw, err := c.client.Get(ctx, c.key(actorID, postID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeRateLimited, "cooldown check failed", err)
	}
	lastMilli, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	elapsed := c.clock.Now().Sub(time.UnixMilli(lastMilli))
	if elapsed < c.gap {
		return apperr.RateLimited("rate limited on comment cooldown")
	}
	return nil
}

// MarkSuccess records a successful creation timestamp. Failures are logged
// only; the creation itself already committed.
func (c *Cooldown) MarkSuccess(ctx context.Context, actorID, postID int64) {
	if c.gap <= 0 {
		return
	}
	now := c.clock.Now().UnixMilli()
	ttl := c.gap * 4
	if err := c.client.Set(ctx, c.key(actorID, postID), strconv.FormatInt(now, 10), ttl).Err(); err != nil {
		slog.Warn("cooldown mark failed", "actor_id", actorID, "post_id", postID, "error", err)
	}
}
