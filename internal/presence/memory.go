package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker is an in-process Tracker for tests and single-node runs.
// Expiry is lazy: entries past their deadline read as offline and are
// removed on the next lookup.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[int]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		entries: make(map[int]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewMemoryTrackerWithClock injects the clock, for TTL tests.
func NewMemoryTrackerWithClock(ttl time.Duration, now func() time.Time) *MemoryTracker {
	tracker := NewMemoryTracker(ttl)
	tracker.now = now
	return tracker
}

func (t *MemoryTracker) MarkOnline(_ context.Context, identity int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[identity] = t.now().Add(t.ttl)
	return nil
}

func (t *MemoryTracker) MarkOffline(_ context.Context, identity int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, identity)
	return nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, identity int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.entries[identity]
	if !ok {
		return false, nil
	}
	if t.now().After(deadline) {
		delete(t.entries, identity)
		return false, nil
	}
	return true, nil
}
