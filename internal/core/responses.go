package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"annopipe/features/job"
	"annopipe/internal/broker"
	"annopipe/internal/worker"
)

// ResponseConsumer drains the reply queue that workers publish their task
// results to, and feeds each one into the coordinator's Callback.
type ResponseConsumer struct {
	api        job.API
	deliveries <-chan amqp.Delivery
}

// NewResponseConsumer declares the durable reply queue and registers a
// manual-acknowledgment consumer on it.
func NewResponseConsumer(client *broker.Client, queue string, api job.API) (*ResponseConsumer, error) {
	if err := client.DeclareQueue(queue); err != nil {
		return nil, err
	}
	deliveries, err := client.Consume(queue)
	if err != nil {
		return nil, err
	}
	return newResponseConsumer(deliveries, api), nil
}

func newResponseConsumer(deliveries <-chan amqp.Delivery, api job.API) *ResponseConsumer {
	return &ResponseConsumer{api: api, deliveries: deliveries}
}

// Run blocks until the context is canceled or the broker connection fails.
func (c *ResponseConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				return worker.ErrConnectionClosed
			}
			c.handle(ctx, d)
		}
	}
}

// handle routes one reply into Callback. Replies that cannot be attributed,
// decoded, or matched to a known task are logged and dropped rather than
// redelivered forever. A failing callback is the one case where the reply is
// requeued: it is the only copy of the task's result, and dropping it would
// strand the task in the running state with no recovery path.
func (c *ResponseConsumer) handle(ctx context.Context, d amqp.Delivery) {
	taskID, err := strconv.ParseInt(d.CorrelationId, 10, 64)
	if err != nil {
		slog.ErrorContext(ctx, "reply without a task correlation id, dropping",
			"correlation_id", d.CorrelationId, "error", err)
		c.ack(ctx, d)
		return
	}

	var res job.TaskResult
	if err := json.Unmarshal(d.Body, &res); err != nil {
		slog.ErrorContext(ctx, "malformed task reply, dropping", "task_id", taskID, "error", err)
		c.ack(ctx, d)
		return
	}

	if err := c.api.Callback(ctx, taskID, res); err != nil {
		if errors.Is(err, job.ErrTaskNotFound) {
			slog.ErrorContext(ctx, "reply for unknown task, dropping", "task_id", taskID, "error", err)
			c.ack(ctx, d)
			return
		}
		slog.ErrorContext(ctx, "task callback failed, requeueing reply", "task_id", taskID, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.ErrorContext(ctx, "failed to nack reply", "error", nackErr, "delivery_tag", d.DeliveryTag)
		}
		return
	}
	c.ack(ctx, d)
}

func (c *ResponseConsumer) ack(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		slog.ErrorContext(ctx, "failed to ack reply", "error", err, "delivery_tag", d.DeliveryTag)
	}
}
