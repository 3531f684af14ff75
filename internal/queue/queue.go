package queue

import (
	"context"
	"errors"
)

const (
	// IntakeQueue carries producer requests into the notifier.
	IntakeQueue = "notify.requests"
	// IntakeDLQ receives requests that can never be queued.
	IntakeDLQ = "dlq.notify.requests"

	intakeRoutingKey = "notify.requests"
)

// ErrDiscard tells the consumer to dead-letter a message instead of requeueing it.
var ErrDiscard = errors.New("discard message")

// Publisher publishes intake requests to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg IntakeMessage) error
	Close() error
}

// MessageHandler handles a consumed intake request. Returning an error wrapping
// ErrDiscard dead-letters the message; any other error requeues it.
type MessageHandler func(ctx context.Context, msg IntakeMessage) error

// Consumer consumes intake requests from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}
