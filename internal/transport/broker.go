package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threadhub/internal/apperr"
	"threadhub/internal/chat"
	"threadhub/internal/keys"
	"threadhub/internal/presence"
	"threadhub/internal/util"
)

// ChatEngine is the slice of the chat service the broker dispatches into.
type ChatEngine interface {
	SendMessage(ctx context.Context, in chat.SendMessageInput) (chat.MessageView, error)
	DrainOffline(ctx context.Context, userID int64) error
}

// Broker manages bidirectional transport sessions: admission via session
// keys, frame dispatch into the chat engine, presence bookkeeping, and
// per-session FIFO outbound delivery. It implements chat.Sender.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*Session

	presence *presence.Registry
	keys     *keys.SessionKeys
	engine   ChatEngine

	queueDepth   int
	pingInterval time.Duration
	pongWait     time.Duration
}

// Options wires the broker dependencies.
type Options struct {
	Presence     *presence.Registry
	Keys         *keys.SessionKeys
	Engine       ChatEngine
	QueueDepth   int
	PingInterval time.Duration
	PongWait     time.Duration
}

// NewBroker builds a session broker.
func NewBroker(opts Options) *Broker {
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Broker{
		sessions:     make(map[string]*Session),
		presence:     opts.Presence,
		keys:         opts.Keys,
		engine:       opts.Engine,
		queueDepth:   queueDepth,
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// Send enqueues one message frame for the session; chat.Sender contract.
func (b *Broker) Send(handle string, msg chat.MessageView) error {
	b.mu.Lock()
	sess, ok := b.sessions[handle]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not registered", handle)
	}
	overflowed, err := sess.enqueue(Outbound{Type: FrameOutMessage, Message: &msg})
	if err != nil {
		return err
	}
	if overflowed {
		sess.close()
	}
	return nil
}

// HandleConn owns the connection until it closes: it spawns the write pump
// and runs the read loop, dispatching frames by type tag.
func (b *Broker) HandleConn(ctx context.Context, conn Conn) {
	sess := newSession(util.NewID(), conn, b.queueDepth)

	_ = conn.SetReadDeadline(time.Now().Add(b.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.pongWait))
	})

	go sess.writePump(b.pingInterval)
	defer b.teardown(sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(b.pongWait))

		var frame Inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			b.reply(sess, Outbound{Type: FrameOutError, Error: "malformed frame"})
			continue
		}

		switch frame.Type {
		case FrameJoin:
			b.handleJoin(ctx, sess, frame)
		case FrameLeave:
			return
		case FrameMessage, FrameChatMessage:
			b.handleChatMessage(ctx, sess, frame)
		case FramePing:
			b.reply(sess, Outbound{Type: FrameOutPong})
		default:
			b.reply(sess, Outbound{Type: FrameOutError, Error: "unknown frame type"})
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		default:
		}
	}
}

func (b *Broker) handleJoin(ctx context.Context, sess *Session, frame Inbound) {
	if _, _, _, joined := sess.binding(); joined {
		b.reply(sess, Outbound{Type: FrameOutError, Error: "already joined"})
		return
	}
	userID, convID, err := b.keys.Validate(frame.SessionKey)
	if err != nil {
		b.reply(sess, Outbound{Type: FrameOutError, Error: apperr.MessageOf(err)})
		return
	}
	sess.bind(userID, convID, frame.SessionKey)

	b.mu.Lock()
	b.sessions[sess.handle] = sess
	b.mu.Unlock()

	wasOffline := b.presence.Connect(userID, sess.handle)
	if wasOffline {
		b.broadcastPresence(convID, userID, FrameOutUserOnline)
		if err := b.engine.DrainOffline(ctx, userID); err != nil {
			slog.Warn("offline spool drain failed", "user_id", userID, "error", err)
		}
	}
}

func (b *Broker) handleChatMessage(ctx context.Context, sess *Session, frame Inbound) {
	userID, convID, _, joined := sess.binding()
	if !joined {
		b.reply(sess, Outbound{Type: FrameOutError, Error: "join first"})
		return
	}
	targetConv := frame.ConversationID
	if targetConv == 0 {
		targetConv = convID
	}
	messageType := frame.MessageType
	if messageType == "" {
		messageType = chat.MessageText
	}
	_, err := b.engine.SendMessage(ctx, chat.SendMessageInput{
		ConversationID: targetConv,
		SenderID:       userID,
		Type:           messageType,
		Content:        frame.Content,
		FileURL:        frame.FileURL,
		FileName:       frame.FileName,
		FileSize:       frame.FileSize,
	})
	if err != nil {
		b.reply(sess, Outbound{Type: FrameOutError, Error: apperr.MessageOf(err)})
	}
}

// teardown runs when the read loop exits: the session leaves the broker,
// presence is updated, and the session key is released synchronously.
func (b *Broker) teardown(sess *Session) {
	sess.close()

	b.mu.Lock()
	delete(b.sessions, sess.handle)
	b.mu.Unlock()

	userID, convID, sessionKey, joined := sess.binding()
	if !joined {
		return
	}
	if _, nowOffline, ok := b.presence.Disconnect(sess.handle); ok && nowOffline {
		b.broadcastPresence(convID, userID, FrameOutUserOffline)
	}
	b.keys.Remove(sessionKey)
}

// broadcastPresence notifies the other sessions of a conversation about an
// online/offline transition.
func (b *Broker) broadcastPresence(convID, userID int64, frameType string) {
	b.mu.Lock()
	targets := make([]*Session, 0, len(b.sessions))
	for _, other := range b.sessions {
		otherUser, otherConv, _, joined := other.binding()
		if joined && otherConv == convID && otherUser != userID {
			targets = append(targets, other)
		}
	}
	b.mu.Unlock()

	frame := Outbound{Type: frameType, UserID: userID, ConversationID: convID}
	for _, target := range targets {
		b.reply(target, frame)
	}
}

func (b *Broker) reply(sess *Session, frame Outbound) {
	overflowed, err := sess.enqueue(frame)
	if err != nil {
		slog.Warn("frame marshal failed", "session", sess.handle, "error", err)
		return
	}
	if overflowed {
		sess.close()
	}
}

// SessionCount reports registered (joined) sessions; used by health checks.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
