package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"incident-reporter-go/internal/metrics"
	"incident-reporter-go/internal/presence"
)

// Event is a live-channel message, delivered to whatever holds an open
// connection for the target identity.
type Event struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// LiveChannel pushes events to currently-connected clients. Publishing is
// best effort by design: a failure never fails the job that triggered it.
type LiveChannel interface {
	Publish(ctx context.Context, identity int, event Event) error
}

// PushSender fans a payload out to every registered wake-up endpoint for an
// identity. It reports how many endpoints accepted and how many were tried;
// err is reserved for infrastructure failures (the subscription lookup),
// not individual endpoint rejections.
type PushSender interface {
	Send(ctx context.Context, identity int, payload []byte) (accepted, total int, err error)
}

// ReservationStore is the conditional-update surface on the notification's
// backing row, keyed per job so that distinct notifications about the same
// entity never suppress each other. ClaimPush must be atomic: it succeeds
// for exactly one caller per job per lease window, and never for a job whose
// live delivery already went out.
type ReservationStore interface {
	ClaimPush(ctx context.Context, job Job, lease time.Duration) (bool, error)
	ConfirmPush(ctx context.Context, job Job) error
	MarkLiveDispatched(ctx context.Context, job Job) (bool, error)
}

// DeliveryMarker flips the originating domain row to delivered once any
// channel has reached the recipient, and names the sender to confirm to.
// marked=false means the entity type has no delivery tracking; that is fine.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, entity EntityRef) (senderIdentity int, marked bool, err error)
}

// Orchestrator decides, per job, which channel carries the notification and
// guarantees the wake-up channel's at-most-once send claim.
type Orchestrator struct {
	presence presence.Tracker
	live     LiveChannel
	push     PushSender
	store    ReservationStore
	marker   DeliveryMarker
	lease    time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewOrchestrator(tracker presence.Tracker, live LiveChannel, push PushSender, store ReservationStore, marker DeliveryMarker, lease time.Duration, m *metrics.Metrics, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		presence: tracker,
		live:     live,
		push:     push,
		store:    store,
		marker:   marker,
		lease:    lease,
		metrics:  m,
		log:      log,
	}
}

// RouteAndDispatch delivers one job. Security alerts always try both
// channels; everything else goes live when the recipient is present and to
// the wake-up channel otherwise.
func (o *Orchestrator) RouteAndDispatch(ctx context.Context, job Job) Outcome {
	switch job.Type {
	case JobSecurityAlert:
		// Never trust presence alone for safety-critical events.
		o.dispatchLive(ctx, job)
		return o.dispatchWakeUp(ctx, job)
	case JobChatMessage, JobReportActivity, JobFollowUpdate, JobProximityAlert:
		// fall through to presence routing below
	default:
		o.log.Error("unknown job type", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		return OutcomePermanent
	}

	online, err := o.presence.IsOnline(ctx, job.Target.Identity)
	if err != nil {
		// Presence is advisory; on a tracker failure assume offline so the
		// durable channel still reaches the recipient.
		o.log.Warn("presence lookup failed", zap.Int("identity", job.Target.Identity), zap.Error(err))
		online = false
	}
	o.metrics.PresenceLookups.WithLabelValues(boolLabel(online, "online", "offline")).Inc()

	if online {
		first, err := o.store.MarkLiveDispatched(ctx, job)
		if err != nil {
			return OutcomeRetryable
		}
		if first {
			o.dispatchLive(ctx, job)
			o.confirmDelivered(ctx, job)
		}
		return OutcomeSuccess
	}

	return o.dispatchWakeUp(ctx, job)
}

// dispatchLive is fire and forget: network trouble on an open connection is
// the connection layer's problem, never the job's.
func (o *Orchestrator) dispatchLive(ctx context.Context, job Job) {
	event := Event{
		Kind: "notification",
		Data: map[string]any{
			"type":    string(job.Type),
			"title":   job.Payload.Title,
			"message": job.Payload.Message,
			"entity":  job.Payload.Entity,
			"data":    job.Payload.Data,
		},
	}
	if err := o.live.Publish(ctx, job.Target.Identity, event); err != nil {
		o.log.Warn("live publish failed", zap.Int("identity", job.Target.Identity), zap.Error(err))
		return
	}
	o.metrics.LiveEvents.Inc()
}

func (o *Orchestrator) dispatchWakeUp(ctx context.Context, job Job) Outcome {
	claimed, err := o.store.ClaimPush(ctx, job, o.lease)
	if err != nil {
		o.log.Warn("push claim failed", zap.String("job_id", job.ID), zap.Error(err))
		return OutcomeRetryable
	}
	if !claimed {
		// Another worker owns or already completed this delivery. That
		// worker will get it to the recipient; losing the race is success.
		o.metrics.PushClaims.WithLabelValues("lost").Inc()
		return OutcomeSuccess
	}
	o.metrics.PushClaims.WithLabelValues("won").Inc()

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		o.log.Error("unmarshalable payload", zap.String("job_id", job.ID), zap.Error(err))
		return OutcomePermanent
	}

	accepted, total, err := o.push.Send(ctx, job.Target.Identity, payload)
	if err != nil {
		return OutcomeRetryable
	}
	if total == 0 {
		// No registered endpoints: nothing to do is not a failure.
		return OutcomeSuccess
	}
	if accepted == 0 {
		o.metrics.PushSends.WithLabelValues("failed").Inc()
		return OutcomeRetryable
	}
	o.metrics.PushSends.WithLabelValues("accepted").Inc()

	if err := o.store.ConfirmPush(ctx, job); err != nil {
		// The send happened; worst case the claim lease expires and a rare
		// duplicate goes out. Do not fail the job over bookkeeping.
		o.log.Warn("push confirm failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	o.confirmDelivered(ctx, job)
	return OutcomeSuccess
}

// confirmDelivered marks the originating domain row and tells the sender,
// regardless of which channel reached the recipient.
func (o *Orchestrator) confirmDelivered(ctx context.Context, job Job) {
	sender, marked, err := o.marker.MarkDelivered(ctx, job.Payload.Entity)
	if err != nil {
		o.log.Warn("delivery mark failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !marked {
		return
	}
	event := Event{
		Kind: "delivered",
		Data: map[string]any{
			"entity":    job.Payload.Entity,
			"recipient": job.Target.Identity,
		},
	}
	if err := o.live.Publish(ctx, sender, event); err != nil {
		o.log.Warn("delivered event failed", zap.Int("identity", sender), zap.Error(err))
	}
}

func boolLabel(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
