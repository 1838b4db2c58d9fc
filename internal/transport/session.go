package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 90 * time.Second
	defaultQueueDepth   = 64
)

// Conn is the subset of *websocket.Conn the broker drives; tests substitute
// in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one bidirectional transport connection. After a successful join
// it is bound to exactly one (user, conversation) pair.
type Session struct {
	handle string
	conn   Conn
	queue  *outQueue

	mu         sync.Mutex
	joined     bool
	userID     int64
	convID     int64
	sessionKey string

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(handle string, conn Conn, queueDepth int) *Session {
	return &Session{
		handle: handle,
		conn:   conn,
		queue:  newOutQueue(queueDepth),
		closed: make(chan struct{}),
	}
}

// Handle returns the opaque session identifier.
func (s *Session) Handle() string { return s.handle }

func (s *Session) bind(userID, convID int64, sessionKey string) {
	s.mu.Lock()
	s.joined = true
	s.userID = userID
	s.convID = convID
	s.sessionKey = sessionKey
	s.mu.Unlock()
}

func (s *Session) binding() (userID, convID int64, sessionKey string, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.convID, s.sessionKey, s.joined
}

// enqueue serializes the frame onto the bounded queue. A true result means
// the queue overflowed and the session must be disconnected.
func (s *Session) enqueue(frame Outbound) (overflowed bool, err error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return false, err
	}
	critical := frame.Type == FrameOutPong || frame.Type == FrameOutError
	return s.queue.push(data, critical), nil
}

// close shuts the connection down once; pumps observe the closed channel.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writePump drains the queue in FIFO order and keeps the heartbeat alive.
// It exits when the session closes or a write fails.
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.closed:
			return
		case <-s.queue.notify:
			for {
				data, ok := s.queue.pop()
				if !ok {
					break
				}
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
			if s.queue.overflowed() {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
