// Package presence tracks which identities have heartbeated recently. The
// signal is advisory: it picks the notification channel and nothing else.
// Absence of an entry is the offline state, so a crashed client self-heals
// once its TTL runs out without anyone sending an offline event.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker is the injected capability for presence. All implementations are
// last-write-wins on the TTL refresh.
type Tracker interface {
	// MarkOnline sets or refreshes the identity's entry to the full TTL.
	MarkOnline(ctx context.Context, identity int) error
	// MarkOffline removes the entry immediately (graceful disconnect).
	MarkOffline(ctx context.Context, identity int) error
	// IsOnline reports whether an unexpired entry exists.
	IsOnline(ctx context.Context, identity int) (bool, error)
}

// RedisTracker stores presence as TTL'd keys. Any process with a connection
// may refresh an entry; Redis expiry is the single source of truth.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl}
}

func presenceKey(identity int) string {
	return fmt.Sprintf("presence:%d", identity)
}

func (t *RedisTracker) MarkOnline(ctx context.Context, identity int) error {
	return t.client.Set(ctx, presenceKey(identity), time.Now().UTC().Unix(), t.ttl).Err()
}

func (t *RedisTracker) MarkOffline(ctx context.Context, identity int) error {
	return t.client.Del(ctx, presenceKey(identity)).Err()
}

func (t *RedisTracker) IsOnline(ctx context.Context, identity int) (bool, error) {
	n, err := t.client.Exists(ctx, presenceKey(identity)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
