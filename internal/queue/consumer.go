package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// settlement is what the consumer does with a delivery once it was handled.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	case settleDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// acknowledger is the part of amqp.Delivery used to settle a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

var _ acknowledger = amqp.Delivery{}

// RabbitMQConsumer feeds intake requests to a handler with manual acks. A
// dropped channel is reopened under reconnectPolicy until ctx is canceled.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

var _ Consumer = (*RabbitMQConsumer)(nil)

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is canceled. Broker failures are logged and retried.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	return superviseSessions(ctx, newReconnectPolicy(), c.logger.With(zap.String("queue", queue)),
		func(ctx context.Context) (int, error) {
			return c.session(ctx, queue, handler)
		},
	)
}

// superviseSessions reruns session until ctx ends. A session that settled at
// least one message resets the backoff, so a broker restart after hours of
// healthy traffic is retried quickly.
func superviseSessions(
	ctx context.Context,
	policy *reconnectPolicy,
	logger *zap.Logger,
	session func(ctx context.Context) (int, error),
) error {
	for {
		settled, err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if settled > 0 {
			policy.reset()
		}

		logger.Warn("intake session ended, reconnecting",
			zap.Int("settled", settled),
			zap.Int("attempt", policy.attempts+1),
			zap.Error(err),
		)
		if err := policy.sleep(ctx); err != nil {
			return nil
		}
	}
}

// session consumes on one channel and returns how many messages it settled.
func (c *RabbitMQConsumer) session(ctx context.Context, queue string, handler MessageHandler) (int, error) {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return 0, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	settled := 0
	for {
		select {
		case <-ctx.Done():
			return settled, nil
		case d, ok := <-deliveries:
			if !ok {
				return settled, fmt.Errorf("delivery channel closed")
			}

			verdict := c.evaluate(ctx, d.Body, d.MessageId, handler)
			if err := settle(d, verdict); err != nil {
				return settled, err
			}
			settled++
		}
	}
}

// evaluate decodes one intake request and runs the handler on it. Malformed
// payloads and ErrDiscard results are dead-lettered; other handler errors
// requeue the message.
func (c *RabbitMQConsumer) evaluate(ctx context.Context, body []byte, messageID string, handler MessageHandler) settlement {
	var msg IntakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("dead-lettering intake request: invalid JSON",
			zap.String("messageId", messageID),
			zap.Error(err),
		)
		return settleDeadLetter
	}
	if msg.RequestID == "" {
		msg.RequestID = messageID
	}

	if err := msg.Validate(); err != nil {
		c.logger.Warn("dead-lettering intake request: validation failed",
			zap.String("requestId", msg.RequestID),
			zap.Error(err),
		)
		return settleDeadLetter
	}

	err := handler(ctx, msg)
	switch {
	case err == nil:
		return settleAck
	case errors.Is(err, ErrDiscard):
		c.logger.Warn("dead-lettering intake request",
			zap.String("requestId", msg.RequestID),
			zap.Error(err),
		)
		return settleDeadLetter
	default:
		c.logger.Warn("requeueing intake request",
			zap.String("requestId", msg.RequestID),
			zap.Error(err),
		)
		return settleRequeue
	}
}

func settle(d acknowledger, verdict settlement) error {
	var err error
	switch verdict {
	case settleAck:
		err = d.Ack(false)
	case settleRequeue:
		err = d.Nack(false, true)
	case settleDeadLetter:
		err = d.Reject(false)
	default:
		return fmt.Errorf("unknown settlement %d", verdict)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", verdict, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
