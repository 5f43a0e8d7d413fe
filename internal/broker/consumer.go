// internal/broker/consumer.go
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/retry"
)

// StatusReporter applies a delivery status event.
type StatusReporter interface {
	ReportDeliveryStatus(ctx context.Context, ev model.StatusEvent) error
}

// Dial connects with retries and opens a channel.
func Dial(ctx context.Context, url string) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	err := retry.Do(ctx, retry.ReconnectPolicy, "rabbitmq dial", func(ctx context.Context) error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("error creating channel: %w", err)
	}
	return conn, ch, nil
}

// DeclareStatusQueue declares the status queue and the dead letter queue
// that rejected events end up in. Publisher and consumer both call it.
func DeclareStatusQueue(ch *amqp.Channel, name string) error {
	dead := name + ".dead"
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring queue '%s': %w", dead, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dead,
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("error declaring queue '%s': %w", name, err)
	}
	return nil
}

type action int

const (
	actionAck action = iota
	actionReject
	actionRetry
)

// Consumer feeds delivery status events from RabbitMQ to the reconciler
// with manual acknowledgement.
type Consumer struct {
	Channel    *amqp.Channel
	Queue      string
	Name       string
	Prefetch   int
	MaxRetries int
	Reporter   StatusReporter
	// Requeue puts a transiently failed event back with a higher retry
	// count.
	Requeue *Publisher
}

func (c *Consumer) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Prefetch > 0 {
		if err := c.Channel.Qos(c.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	msgs, err := c.Channel.ConsumeWithContext(ctx, c.Queue, c.Name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	log.Info().Str("queue", c.Queue).Msg("status consumer running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) decide(ctx context.Context, body []byte, retries int) action {
	var ev model.StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn().Err(err).Msg("invalid status event")
		return actionReject
	}

	err := c.Reporter.ReportDeliveryStatus(ctx, ev)
	switch {
	case err == nil:
		return actionAck
	case appErrors.IsValidation(err):
		log.Warn().Err(err).Str("external_message_id", ev.ExternalMessageID).Msg("status event rejected")
		return actionReject
	case appErrors.IsNotFound(err):
		return actionAck
	case retries >= c.maxRetries():
		log.Error().Err(err).Int("company_id", ev.CompanyID).Str("external_message_id", ev.ExternalMessageID).
			Int("attempt", retries+1).Msg("status event dead-lettered")
		return actionReject
	}
	log.Warn().Err(err).Int("company_id", ev.CompanyID).Str("external_message_id", ev.ExternalMessageID).
		Int("attempt", retries+1).Msg("status event will be retried")
	return actionRetry
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	retries := retryCount(d.Headers)
	var err error
	switch c.decide(ctx, d.Body, retries) {
	case actionAck:
		err = d.Ack(false)
	case actionReject:
		err = d.Nack(false, false)
	case actionRetry:
		if c.Requeue == nil {
			err = d.Nack(false, true)
			break
		}
		if perr := c.Requeue.publish(ctx, d.Body, retries+1); perr != nil {
			log.Error().Err(perr).Msg("requeue status event")
			err = d.Nack(false, true)
			break
		}
		err = d.Ack(false)
	}
	if err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("settle status event")
	}
}

func retryCount(h amqp.Table) int {
	switch v := h[RetryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
