package ratelimit

import (
	"context"
	"testing"
	"time"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

func TestCooldownEnforcesGap(t *testing.T) {
	client, _ := testClient(t)
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cooldown := NewCooldown(client, clock, 3*time.Second)
	ctx := context.Background()

	if err := cooldown.Check(ctx, 700, 7); err != nil {
		t.Fatalf("first check should pass: %v", err)
	}
	cooldown.MarkSuccess(ctx, 700, 7)

	clock.Advance(time.Second)
	err := cooldown.Check(ctx, 700, 7)
	if apperr.CodeOf(err) != apperr.CodeRateLimited {
		t.Fatalf("check at +1s should be rate limited, got %v", err)
	}

	clock.Advance(3 * time.Second)
	if err := cooldown.Check(ctx, 700, 7); err != nil {
		t.Fatalf("check at +4s should pass: %v", err)
	}
}

func TestCooldownScopedPerActorAndPost(t *testing.T) {
	client, _ := testClient(t)
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cooldown := NewCooldown(client, clock, 3*time.Second)
	ctx := context.Background()

	cooldown.MarkSuccess(ctx, 700, 7)
	clock.Advance(time.Second)

	if err := cooldown.Check(ctx, 700, 8); err != nil {
		t.Fatalf("different post should not share cooldown: %v", err)
	}
	if err := cooldown.Check(ctx, 701, 7); err != nil {
		t.Fatalf("different actor should not share cooldown: %v", err)
	}
}

func TestCooldownDisabledWhenGapZero(t *testing.T) {
	client, _ := testClient(t)
	cooldown := NewCooldown(client, nil, 0)
	ctx := context.Background()
	cooldown.MarkSuccess(ctx, 1, 1)
	if err := cooldown.Check(ctx, 1, 1); err != nil {
		t.Fatalf("zero gap should disable the rule: %v", err)
	}
}
