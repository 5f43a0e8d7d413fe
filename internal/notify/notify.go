// internal/notify/notify.go
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Event is the envelope published on a topic.
type Event struct {
	Topic  string          `json:"topic"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	SentAt time.Time       `json:"sent_at"`
}

// RedisNotifier publishes tenant events on Redis pub/sub channels, where
// the realtime gateway relays them to browsers.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisNotifier(rdb redis.UniversalClient, prefix string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, prefix: prefix, timeout: 2 * time.Second}
}

// Channel is the pub/sub channel of a topic.
func (n *RedisNotifier) Channel(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + ":" + topic
}

func (n *RedisNotifier) Publish(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	body, err := json.Marshal(Event{Topic: topic, Event: event, Data: data, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.Channel(topic), body).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, topic, err)
	}
	return nil
}
