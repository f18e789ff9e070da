package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"incident-reporter-go/internal/notify"
)

// RedisStore is the live event bus: events are published to a channel keyed
// by identity and consumed by whatever holds an open connection for that
// identity (the SSE endpoint here, but the connection layer is not this
// package's concern).
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(opts *redis.Options) *RedisStore {
	rdb := redis.NewClient(opts)
	return &RedisStore{client: rdb}
}

// Client exposes the underlying connection for collaborators that share it
// (the presence tracker).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func eventChannel(identity int) string {
	return fmt.Sprintf("events:user:%d", identity)
}

// Publish sends a live event to the identity's channel. Implements
// notify.LiveChannel; delivery is best effort and an absent subscriber is
// not an error.
func (s *RedisStore) Publish(ctx context.Context, identity int, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, eventChannel(identity), data).Err()
}

// Subscribe opens the identity's event channel for an SSE connection.
func (s *RedisStore) Subscribe(ctx context.Context, identity int) *redis.PubSub {
	return s.client.Subscribe(ctx, eventChannel(identity))
}
