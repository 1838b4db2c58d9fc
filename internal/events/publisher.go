package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "threadhub.events"

// Publisher emits domain events (comment.created, comment.deleted,
// post.deleted, reaction.created, message.sent, conversation.deleted) to an
// AMQP exchange. Publishing is best-effort: a nil
// publisher or a broker fault never fails the calling operation.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// Dial connects to the broker and declares the topic exchange. An empty URL
// returns a nil publisher, which drops all events.
func Dial(url string) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(defaultExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: defaultExchange}, nil
}

// Publish sends one event under the routing key. Failures are logged only.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) {
	if p == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("event marshal failed", "routing_key", routingKey, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = p.ch.PublishWithContext(pubCtx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("event publish failed", "routing_key", routingKey, "error", err)
	}
}

// Close releases the broker connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	_ = p.ch.Close()
	_ = p.conn.Close()
}
