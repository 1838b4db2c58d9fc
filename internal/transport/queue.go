package transport

import "sync"

type queuedFrame struct {
	data     []byte
	critical bool
}

// outQueue is the bounded per-session outbound buffer. When full, the oldest
// non-critical frame is dropped and the session is marked for disconnect.
// Control frames (pong, error) are dropped only when every queued frame and
// the newcomer are control frames; then the oldest one goes.
type outQueue struct {
	mu       sync.Mutex
	items    []queuedFrame
	notify   chan struct{}
	limit    int
	overflow bool
}

func newOutQueue(limit int) *outQueue {
	if limit <= 0 {
		limit = 64
	}
	return &outQueue{
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// push enqueues a frame, evicting on overflow. It reports whether the queue
// has ever overflowed.
func (q *outQueue) push(data []byte, critical bool) bool {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.overflow = true
		if idx := q.firstNonCritical(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		} else if !critical {
			// Nothing evictable and the newcomer is expendable.
			q.mu.Unlock()
			q.wake()
			return true
		} else {
			q.items = q.items[1:]
		}
	}
	q.items = append(q.items, queuedFrame{data: data, critical: critical})
	overflowed := q.overflow
	q.mu.Unlock()
	q.wake()
	return overflowed
}

// pop removes the oldest frame, reporting false when empty.
func (q *outQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	frame := q.items[0]
	q.items = q.items[1:]
	return frame.data, true
}

// overflowed reports whether any frame was ever evicted.
func (q *outQueue) overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

func (q *outQueue) firstNonCritical() int {
	for i, item := range q.items {
		if !item.critical {
			return i
		}
	}
	return -1
}

func (q *outQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
