package keys

import (
	"testing"
	"time"

	"threadhub/internal/apperr"
	"threadhub/internal/util"
)

func TestSessionKeyIssueIsIdempotentPerPair(t *testing.T) {
	sk := NewSessionKeys(util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))

	first, err := sk.Issue(500, 9)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("session key should be 64 hex chars, got %d", len(first))
	}

	again, err := sk.Issue(500, 9)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if again != first {
		t.Fatal("issue for a live pair should return the existing key")
	}

	other, err := sk.Issue(500, 10)
	if err != nil {
		t.Fatalf("issue other conversation: %v", err)
	}
	if other == first {
		t.Fatal("different conversations must get different keys")
	}
}

func TestSessionKeyValidateAndRemove(t *testing.T) {
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sk := NewSessionKeys(clock)

	value, err := sk.Issue(500, 9)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	userID, convID, err := sk.Validate(value)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != 500 || convID != 9 {
		t.Fatalf("unexpected pair: %d %d", userID, convID)
	}

	sk.Remove(value)
	if _, _, err := sk.Validate(value); apperr.CodeOf(err) != apperr.CodeAuthFailed {
		t.Fatalf("removed key should fail validation, got %v", err)
	}

	// After removal the pair can mint a fresh key.
	fresh, err := sk.Issue(500, 9)
	if err != nil {
		t.Fatalf("issue after remove: %v", err)
	}
	if fresh == value {
		t.Fatal("fresh key should differ from the removed one")
	}
}

func TestSessionKeyUserKeys(t *testing.T) {
	sk := NewSessionKeys(nil)
	a, _ := sk.Issue(1, 10)
	b, _ := sk.Issue(1, 11)
	_, _ = sk.Issue(2, 10)

	got := sk.UserKeys(1)
	if len(got) != 2 {
		t.Fatalf("expected 2 keys for user 1, got %d", len(got))
	}
	seen := map[string]bool{a: false, b: false}
	for _, v := range got {
		seen[v] = true
	}
	if !seen[a] || !seen[b] {
		t.Fatalf("missing keys in %v", got)
	}
}
