package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"incident-reporter-go/internal/notify"
)

// Push reservation methods. These implement notify.ReservationStore and
// notify.DeliveryMarker; each call is a single conditional statement so the
// at-most-once properties hold without any application-side locking. Rows
// are keyed by job ID: retries and concurrent workers on the same job race
// on one row, while distinct notifications about the same entity each get
// their own and never suppress one another.

// ClaimPush records a wake-up delivery attempt for a job. The upsert only
// takes effect when the job has no confirmed send, no live delivery, and any
// previous claim is older than the lease window, so exactly one concurrent
// worker wins.
func (s *PostgresStore) ClaimPush(ctx context.Context, job notify.Job, lease time.Duration) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO notifications (job_id, identity, entity_type, entity_id, push_attempt_at, push_attempt_count, created_at)
		 VALUES ($1, $2, $3, $4, NOW(), 1, NOW())
		 ON CONFLICT (job_id) DO UPDATE
		 SET push_attempt_at = NOW(),
		     push_attempt_count = notifications.push_attempt_count + 1
		 WHERE notifications.push_sent_at IS NULL
		   AND notifications.live_sent_at IS NULL
		   AND (notifications.push_attempt_at IS NULL
		        OR notifications.push_attempt_at < NOW() - $5 * interval '1 millisecond')
		 RETURNING id`,
		job.ID, job.Target.Identity, job.Payload.Entity.Type, job.Payload.Entity.ID, lease.Milliseconds(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conditional upsert matched nothing: someone else holds the claim,
		// the send is already confirmed, or a live dispatch got there first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmPush marks the send as completed; future claims for this job fail
// permanently rather than by lease expiry.
func (s *PostgresStore) ConfirmPush(ctx context.Context, job notify.Job) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET push_sent_at = NOW() WHERE job_id = $1`,
		job.ID,
	)
	return err
}

// MarkLiveDispatched records that the live channel carried this job. Returns
// true only the first time, so a job retried after a live dispatch does not
// double-count or double-send.
func (s *PostgresStore) MarkLiveDispatched(ctx context.Context, job notify.Job) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO notifications (job_id, identity, entity_type, entity_id, live_sent_at, created_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (job_id) DO UPDATE
		 SET live_sent_at = NOW()
		 WHERE notifications.live_sent_at IS NULL
		 RETURNING id`,
		job.ID, job.Target.Identity, job.Payload.Entity.Type, job.Payload.Entity.ID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDelivered flips the originating domain row once any channel reached
// the recipient. Only chat messages track delivery today; other entity
// types report marked=false and the orchestrator moves on.
func (s *PostgresStore) MarkDelivered(ctx context.Context, entity notify.EntityRef) (int, bool, error) {
	if entity.Type != "chat_message" {
		return 0, false, nil
	}

	var senderID int
	err := s.db.QueryRowContext(ctx,
		`UPDATE chat_messages SET delivered_at = NOW()
		 WHERE id = $1 AND delivered_at IS NULL
		 RETURNING sender_id`,
		entity.ID,
	).Scan(&senderID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already marked by an earlier channel; the sender was told once.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return senderID, true, nil
}
