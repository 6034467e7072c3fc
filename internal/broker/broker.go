// Package broker wraps the AMQP topology shared by the coordinator and its
// workers: one durable topic exchange per deployment, durable priority
// queues per worker role, and the reply-to/correlation-id response
// convention.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPriority is the priority level declared on every task queue. Job
// priorities above it are clamped at publish time.
const MaxPriority = 10

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Exchange string
}

func (c Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}

// Client owns one connection and one channel. The channel is not safe for
// concurrent use: all publishes and acks must happen on the goroutine that
// drives the consumption loop.
type Client struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// Dial connects to the broker and declares the durable topic exchange.
func Dial(cfg Config) (*Client, error) {
	conn, err := amqp.Dial(cfg.url())
	if err != nil {
		return nil, fmt.Errorf("dial broker at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	return &Client{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

// DeclareTaskQueue declares a durable priority queue and binds every routing
// pattern to it on the topic exchange.
func (c *Client) DeclareTaskQueue(name string, bindings []string) error {
	args := amqp.Table{"x-max-priority": int32(MaxPriority)}
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	for _, pattern := range bindings {
		if err := c.ch.QueueBind(name, pattern, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %q to queue %q: %w", pattern, name, err)
		}
	}
	return nil
}

// DeclareQueue declares a plain durable queue, used for worker replies.
func (c *Client) DeclareQueue(name string) error {
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}

// Consume registers a manual-acknowledgment consumer with a prefetch limit
// of one unacknowledged message.
func (c *Client) Consume(queue string) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch on %q: %w", queue, err)
	}
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}
	return deliveries, nil
}

// Publish sends a task request to the topic exchange. Priority is clamped to
// the queue's declared maximum.
func (c *Client) Publish(ctx context.Context, key string, priority int, replyTo, correlationID string, body []byte) error {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return c.ch.PublishWithContext(ctx, c.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
		Priority:      uint8(priority),
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	})
}

// Reply sends a worker response through the default exchange, routed
// directly to the request's reply queue with the request's correlation id.
func (c *Client) Reply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	return c.ch.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	})
}

func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}
