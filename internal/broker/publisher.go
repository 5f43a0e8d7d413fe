// internal/broker/publisher.go
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// RetryHeader counts how often a status event was put back on its queue.
const RetryHeader = "x-retry-count"

// channelPublisher is the part of *amqp.Channel the publisher needs.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher puts delivery status events on the status queue. The server
// hands webhook callbacks to the workers through it.
type Publisher struct {
	ch    channelPublisher
	queue string
}

func NewPublisher(ch channelPublisher, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) publish(ctx context.Context, body []byte, retries int) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if retries > 0 {
		msg.Headers = amqp.Table{RetryHeader: int32(retries)}
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}

// ReportDeliveryStatus queues ev for the reconciler running in a worker.
func (p *Publisher) ReportDeliveryStatus(ctx context.Context, ev model.StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	return p.publish(ctx, body, 0)
}
