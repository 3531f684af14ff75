package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const intakeMessageType = "notify.request"

// RabbitMQPublisher sends intake requests on a confirm-mode channel and waits
// for the broker to take each one.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

var _ Publisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg IntakeMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := newIntakePublishing(msg, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish request %s to queue %q: %w", publishing.MessageId, queue, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish of request %s not confirmed: %w", publishing.MessageId, err)
	}
	if !acked {
		return fmt.Errorf("broker refused request %s on queue %q", publishing.MessageId, queue)
	}

	return nil
}

// newIntakePublishing validates msg and builds the persistent AMQP message for
// it. A missing request id is generated so producers can correlate the intake
// log line with their own.
func newIntakePublishing(msg IntakeMessage, now time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid intake message: %w", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal intake message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now.UTC(),
		Type:          intakeMessageType,
		MessageId:     msg.RequestID,
		CorrelationId: msg.RequestID,
		Body:          payload,
	}
	if msg.Source != "" {
		publishing.Headers = amqp.Table{"x-source": msg.Source}
	}
	return publishing, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
