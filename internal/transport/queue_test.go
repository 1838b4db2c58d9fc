package transport

import "testing"

func TestOutQueueFIFO(t *testing.T) {
	q := newOutQueue(4)
	q.push([]byte("a"), false)
	q.push([]byte("b"), false)

	data, ok := q.pop()
	if !ok || string(data) != "a" {
		t.Fatalf("expected a, got %q %v", data, ok)
	}
	data, ok = q.pop()
	if !ok || string(data) != "b" {
		t.Fatalf("expected b, got %q %v", data, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestOutQueueDropsOldestNonCritical(t *testing.T) {
	q := newOutQueue(2)
	q.push([]byte("pong"), true)
	q.push([]byte("m1"), false)

	if overflowed := q.push([]byte("m2"), false); !overflowed {
		t.Fatal("push beyond limit should report overflow")
	}

	// The critical frame survives; the oldest non-critical one is gone.
	data, _ := q.pop()
	if string(data) != "pong" {
		t.Fatalf("critical frame should survive, got %q", data)
	}
	data, _ = q.pop()
	if string(data) != "m2" {
		t.Fatalf("newest frame should survive, got %q", data)
	}
	if !q.overflowed() {
		t.Fatal("overflow flag should stick")
	}
}

func TestOutQueueAllCriticalKeepsNewestCritical(t *testing.T) {
	q := newOutQueue(2)
	q.push([]byte("e1"), true)
	q.push([]byte("e2"), true)
	q.push([]byte("e3"), true)

	data, _ := q.pop()
	if string(data) != "e2" {
		t.Fatalf("oldest critical should be evicted last-resort, got %q", data)
	}
	data, _ = q.pop()
	if string(data) != "e3" {
		t.Fatalf("expected e3, got %q", data)
	}
}

func TestOutQueueNotify(t *testing.T) {
	q := newOutQueue(2)
	q.push([]byte("x"), false)
	select {
	case <-q.notify:
	default:
		t.Fatal("push should signal the notify channel")
	}
}
