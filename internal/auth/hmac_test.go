package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

const testUIDHash = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8"

func newTestVerifier(t *testing.T) (*Verifier, *util.ManualClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewVerifier("shared-secret", 300*time.Second, NewRedisNonceCache(client), clock), clock
}

func signedRequest(v *Verifier, clock util.Clock, nonce string, params map[string]string) SignedRequest {
	ts := clock.Now().Unix()
	return SignedRequest{
		Params:  params,
		TS:      ts,
		Nonce:   nonce,
		UIDHash: testUIDHash,
		Sig:     v.Sign(params, ts, nonce, testUIDHash),
	}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v, clock := newTestVerifier(t)
	req := signedRequest(v, clock, "nonce-1", map[string]string{"post_id": "1", "content": "hello"})
	if err := v.Verify(context.Background(), req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	v, clock := newTestVerifier(t)
	ctx := context.Background()

	req := signedRequest(v, clock, "nonce-1", map[string]string{"post_id": "1"})
	if err := v.Verify(ctx, req); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	// Identical pair within the window is a replay even with a fresh ts.
	clock.Advance(time.Second)
	replay := signedRequest(v, clock, "nonce-1", map[string]string{"post_id": "1"})
	if err := v.Verify(ctx, replay); apperr.CodeOf(err) != apperr.CodeAuthFailed {
		t.Fatalf("replay should fail with 401, got %v", err)
	}

	fresh := signedRequest(v, clock, "nonce-2", map[string]string{"post_id": "1"})
	if err := v.Verify(ctx, fresh); err != nil {
		t.Fatalf("fresh nonce should pass: %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v, clock := newTestVerifier(t)
	req := signedRequest(v, clock, "nonce-1", nil)
	clock.Advance(301 * time.Second)
	if err := v.Verify(context.Background(), req); apperr.CodeOf(err) != apperr.CodeAuthFailed {
		t.Fatalf("stale ts should fail with 401, got %v", err)
	}
}

func TestVerifyRejectsMalformedUIDHash(t *testing.T) {
	v, clock := newTestVerifier(t)
	req := signedRequest(v, clock, "nonce-1", nil)
	req.UIDHash = "short"
	if err := v.Verify(context.Background(), req); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("malformed uid hash should fail with 400, got %v", err)
	}
	req = signedRequest(v, clock, "nonce-2", nil)
	req.UIDHash = strings.Repeat("a", 35) + "!"
	if err := v.Verify(context.Background(), req); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatal("non-alphanumeric uid hash should fail with 400")
	}
}

func TestVerifyRejectsTamperedParams(t *testing.T) {
	v, clock := newTestVerifier(t)
	req := signedRequest(v, clock, "nonce-1", map[string]string{"post_id": "1"})
	req.Params["post_id"] = "2"
	if err := v.Verify(context.Background(), req); apperr.CodeOf(err) != apperr.CodeAuthFailed {
		t.Fatalf("tampered params should fail with 401, got %v", err)
	}
}

func TestCanonicalStringSortsKeys(t *testing.T) {
	got := canonicalString(map[string]string{"b": "2", "a": "1"}, 1700000000, "n", testUIDHash)
	want := "a=1&b=2&ts=1700000000&nonce=n&uid_hash=" + testUIDHash
	if got != want {
		t.Fatalf("canonical string mismatch:\n got %q\nwant %q", got, want)
	}
}
