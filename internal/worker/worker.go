// Package worker implements the task-consumption runtime: one goroutine owns
// the broker connection and the blocking consumption loop, each accepted
// message runs its domain callback on a separate goroutine, and every
// accepted message receives exactly one reply+ack pair.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"annopipe/features/job"
	"annopipe/internal/broker"
	"annopipe/internal/middleware"
)

// ErrConnectionClosed is returned by Run when the broker closes the
// delivery channel. Reconnecting is the supervisor's job, not this layer's.
var ErrConnectionClosed = errors.New("worker: broker connection closed")

const invalidJobMessage = "Invalid job format, unable to proceed"

// Processor is the single operation a concrete worker must implement. It
// receives a parsed job, performs the domain work for the task that routed
// here, and returns the result to report. Parse and protocol failures never
// reach it.
type Processor interface {
	Process(ctx context.Context, req *job.Job) (job.TaskResult, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req *job.Job) (job.TaskResult, error)

func (f ProcessorFunc) Process(ctx context.Context, req *job.Job) (job.TaskResult, error) {
	return f(ctx, req)
}

type replier interface {
	Reply(ctx context.Context, replyTo, correlationID string, body []byte) error
}

// Worker binds one queue to the topic exchange and consumes task requests
// from it with manual acknowledgment and a prefetch of one.
type Worker struct {
	queue      string
	client     *broker.Client
	replier    replier
	deliveries <-chan amqp.Delivery
	proc       Processor

	// calls hands completed results back to the goroutine that owns the
	// broker channel; it is the only point where the two sides meet.
	calls    chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

// New connects to the broker, declares the durable topic exchange and a
// durable priority queue, binds every pattern, and registers a
// manual-acknowledgment consumer with prefetch 1.
func New(cfg broker.Config, queue string, bindings []string, proc Processor) (*Worker, error) {
	if len(bindings) == 0 {
		return nil, errors.New("worker: at least one binding pattern is required")
	}
	client, err := broker.Dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.DeclareTaskQueue(queue, bindings); err != nil {
		_ = client.Close()
		return nil, err
	}
	deliveries, err := client.Consume(queue)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	w := newWorker(deliveries, client, proc)
	w.queue = queue
	w.client = client
	return w, nil
}

func newWorker(deliveries <-chan amqp.Delivery, r replier, proc Processor) *Worker {
	return &Worker{
		replier:    r,
		deliveries: deliveries,
		proc:       proc,
		calls:      make(chan func()),
		quit:       make(chan struct{}),
	}
}

// Run blocks on the consumption loop. It returns nil after Stop, or
// ErrConnectionClosed when the broker connection fails. All broker I/O
// (replies and acks) happens on this goroutine; processors run elsewhere and
// hand their results back through the calls channel.
func (w *Worker) Run() error {
	for {
		select {
		case <-w.quit:
			return nil
		case fn := <-w.calls:
			fn()
		case d, ok := <-w.deliveries:
			if !ok {
				return ErrConnectionClosed
			}
			w.handle(d)
		}
	}
}

// Stop ends the consumption loop without waiting for an in-flight processor.
// Its unacked delivery is redelivered by the broker. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// Close releases the broker connection. Call after Run has returned.
func (w *Worker) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// handle runs on the connection-owning goroutine. Payloads that fail to
// parse are answered immediately, without ever reaching the processor;
// everything else moves off this goroutine so the loop keeps servicing
// broker frames while the domain work runs.
func (w *Worker) handle(d amqp.Delivery) {
	req, err := job.FromJSON(d.Body)
	switch {
	case errors.Is(err, job.ErrInvalidJob):
		w.ackAndReply(d, job.TaskResult{State: job.StateBadRequest, Message: invalidJobMessage})
	case err != nil:
		w.ackAndReply(d, job.TaskResult{State: job.StateError, Message: "Unhandled error: " + err.Error()})
	default:
		go w.process(d, req)
	}
}

func (w *Worker) process(d amqp.Delivery, req *job.Job) {
	ctx := middleware.WithCorrelationID(context.Background(), d.CorrelationId)
	res := w.invoke(ctx, req)

	select {
	case w.calls <- func() { w.ackAndReply(d, res) }:
	case <-w.quit:
		// The loop is gone; leave the delivery unacked for redelivery.
		slog.WarnContext(ctx, "worker stopped before result could be reported", "delivery_tag", d.DeliveryTag)
	}
}

// invoke shields the protocol from the processor: an error or panic becomes
// a 500 result so the message still gets its reply+ack pair.
func (w *Worker) invoke(ctx context.Context, req *job.Job) (res job.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "processor panicked", "panic", r)
			res = job.TaskResult{State: job.StateError, Message: fmt.Sprintf("Unhandled error: %v", r)}
		}
	}()

	out, err := w.proc.Process(ctx, req)
	if err != nil {
		return job.TaskResult{State: job.StateError, Message: "Unhandled error: " + err.Error()}
	}
	return out
}

// ackAndReply publishes the reply and then acknowledges the delivery, in
// that order, so the broker never sees an ack for a message whose reply was
// not enqueued. Must run on the connection-owning goroutine.
func (w *Worker) ackAndReply(d amqp.Delivery, res job.TaskResult) {
	body, err := json.Marshal(res)
	if err != nil {
		slog.Error("failed to serialize task result", "error", err, "state", res.State)
		body = fmt.Appendf(nil, `{"state":%d,"message":"unserializable task result"}`, job.StateError)
	}

	if err := w.replier.Reply(context.Background(), d.ReplyTo, d.CorrelationId, body); err != nil {
		slog.Error("failed to publish reply", "error", err, "reply_to", d.ReplyTo, "correlation_id", d.CorrelationId)
	}
	if err := d.Ack(false); err != nil {
		slog.Error("failed to ack delivery", "error", err, "delivery_tag", d.DeliveryTag)
	}
}
