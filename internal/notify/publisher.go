package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"support-chat-backend/internal/env"

	"github.com/go-redis/redis/v8"
)

// Publisher is the one-way notification sink of the core. Implementations
// must not block callers on delivery.
type Publisher interface {
	Publish(channel string, event Event) error
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher() *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     env.Get(env.EventRedisURL),
			Password: env.Get(env.EventRedisPass),
			DB:       0,
		}),
	}
}

func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(channel string, event Event) error {
	if channel == "" {
		return fmt.Errorf("notify publish: channel required")
	}
	if p.client == nil {
		return fmt.Errorf("notify publish: redis client not initialised")
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify publish: marshal event: %w", err)
	}

	if err := p.client.Publish(context.Background(), channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("notify publish: redis publish: %w", err)
	}
	eventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Emit publishes and logs failures instead of returning them; notification
// delivery never fails the operation that triggered it.
func Emit(p Publisher, channel string, event Event) {
	if p == nil {
		return
	}
	if err := p.Publish(channel, event); err != nil {
		log.Printf("notify: dropping %s event for %s: %v", event.Type, channel, err)
	}
}
