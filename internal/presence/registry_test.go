package presence

import (
	"sort"
	"testing"
)

func TestConnectReportsFirstSession(t *testing.T) {
	r := NewRegistry()

	if !r.Connect(500, "s1") {
		t.Fatal("first session should report the user was offline")
	}
	if r.Connect(500, "s2") {
		t.Fatal("second session should not report an online transition")
	}
	if !r.IsOnline(500) {
		t.Fatal("user should be online")
	}

	got := r.Sessions(500)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("unexpected sessions: %v", got)
	}
}

func TestDisconnectReportsLastSession(t *testing.T) {
	r := NewRegistry()
	r.Connect(500, "s1")
	r.Connect(500, "s2")

	userID, nowOffline, ok := r.Disconnect("s1")
	if !ok || userID != 500 {
		t.Fatalf("unexpected disconnect result: %d %v", userID, ok)
	}
	if nowOffline {
		t.Fatal("one session remains, user should still be online")
	}

	_, nowOffline, ok = r.Disconnect("s2")
	if !ok || !nowOffline {
		t.Fatal("last disconnect should report the user went offline")
	}
	if r.IsOnline(500) {
		t.Fatal("user should be offline")
	}
}

func TestDisconnectUnknownHandle(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.Disconnect("ghost"); ok {
		t.Fatal("unknown handle should report ok=false")
	}
}

func TestIsOnlineDistinguishesUsers(t *testing.T) {
	r := NewRegistry()
	r.Connect(1, "a")
	if r.IsOnline(2) {
		t.Fatal("user 2 never connected")
	}
	if len(r.Sessions(2)) != 0 {
		t.Fatal("user 2 should have no sessions")
	}
}
