package txn

import "context"

// EffectKind names the category of a deferred side effect, for logging and
// metrics only; the executor treats all kinds the same.
type EffectKind string

const (
	EffectLiveEvent  EffectKind = "live_event"
	EffectEnqueueJob EffectKind = "enqueue_job"
	EffectExternal   EffectKind = "external_call"
)

// EffectFunc runs after the transaction that queued it has committed. It
// must not touch the relational store beyond reads of committed state; it
// exists for broadcast-style work (event bus publish, queue insert).
type EffectFunc func(ctx context.Context) error

type queuedEffect struct {
	kind EffectKind
	fn   EffectFunc
}

// Sink collects side effects during a transaction. It is a plain in-memory
// list scoped to one transaction: business logic only appends, the executor
// drains it after commit, and a rollback discards it untouched.
type Sink struct {
	effects []queuedEffect
}

// Queue appends an effect. It never executes anything.
func (s *Sink) Queue(kind EffectKind, fn EffectFunc) {
	s.effects = append(s.effects, queuedEffect{kind: kind, fn: fn})
}

// Len reports how many effects are pending.
func (s *Sink) Len() int { return len(s.effects) }

func (s *Sink) drain() []queuedEffect {
	effects := s.effects
	s.effects = nil
	return effects
}
