package handlers

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"incident-reporter-go/internal/ledger"
	"incident-reporter-go/internal/notify"
)

func TestIDFromPath(t *testing.T) {
	id, ok := idFromPath("/api/reports/42", "/api/reports/")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	id, ok = idFromPath("/api/reports/42/", "/api/reports/")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = idFromPath("/api/reports/", "/api/reports/")
	assert.False(t, ok)

	_, ok = idFromPath("/api/reports/abc", "/api/reports/")
	assert.False(t, ok)

	_, ok = idFromPath("/api/reports/-1", "/api/reports/")
	assert.False(t, ok)

	_, ok = idFromPath("/api/reports/0", "/api/reports/")
	assert.False(t, ok)
}

func TestModerationActionsAreModeration(t *testing.T) {
	require.NotEmpty(t, moderationActions)
	for verb, spec := range moderationActions {
		assert.True(t, spec.action.Moderation(), verb)
		assert.NotEmpty(t, spec.query, verb)
	}

	assert.Equal(t, ledger.ActionAdminDelete, moderationActions["delete"].action)
	assert.Contains(t, moderationActions["delete"].query, "deleted_at IS NULL",
		"delete must be a no-op on already-deleted rows")
}

func TestSecurityAlertJob(t *testing.T) {
	job := securityAlertJob(9, "Password changed", "Your password was just changed")

	assert.Equal(t, notify.JobSecurityAlert, job.Type)
	assert.Equal(t, 9, job.Target.Identity)
	assert.Equal(t, notify.PriorityHigh, job.Delivery.Priority)
	assert.Equal(t, 3600, job.Delivery.TTLSeconds)
	assert.Equal(t, "account", job.Payload.Entity.Type)
	assert.Equal(t, int64(9), job.Payload.Entity.ID)

	other := securityAlertJob(9, "Password changed", "Your password was just changed")
	assert.NotEqual(t, job.ID, other.ID,
		"each alert is its own delivery, never deduped against an earlier one")
}

type countingTracker struct {
	mu     sync.Mutex
	online int
}

func (c *countingTracker) MarkOnline(ctx context.Context, identity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online++
	return nil
}

func (c *countingTracker) MarkOffline(ctx context.Context, identity int) error { return nil }
func (c *countingTracker) IsOnline(ctx context.Context, identity int) (bool, error) {
	return false, nil
}

func (c *countingTracker) onlineCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

type flushWriter struct {
	bytes.Buffer
}

func (f *flushWriter) Flush() {}

func TestStreamEventsRefreshesPresenceAndForwards(t *testing.T) {
	tracker := &countingTracker{}
	h := &Handler{
		Presence:    tracker,
		PresenceTTL: 40 * time.Millisecond,
		Log:         zap.NewNop(),
	}

	ch := make(chan *redis.Message, 1)
	ch <- &redis.Message{Payload: `{"kind":"notification"}`}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var out flushWriter
	h.streamEvents(ctx, &out, &out, 7, ch)

	assert.Contains(t, out.String(), "data: {\"kind\":\"notification\"}\n\n")
	assert.GreaterOrEqual(t, tracker.onlineCalls(), 2,
		"an open stream must keep its presence key alive, not mark once at connect")
}

func TestStreamEventsStopsWhenChannelCloses(t *testing.T) {
	tracker := &countingTracker{}
	h := &Handler{Presence: tracker, PresenceTTL: time.Minute, Log: zap.NewNop()}

	ch := make(chan *redis.Message)
	close(ch)

	var out flushWriter
	done := make(chan struct{})
	go func() {
		h.streamEvents(context.Background(), &out, &out, 7, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on a closed subscription")
	}
}
