package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"incident-reporter-go/internal/metrics"
)

// Job statuses in notification_jobs. pending and running are live; the rest
// are terminal. failed jobs stay visible for operators, expired ones record
// the silent TTL drop.
const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusDelivered = "delivered"
	statusFailed    = "failed"
	statusExpired   = "expired"
)

// Dispatcher is what a worker hands each claimed job to. Satisfied by
// *Orchestrator.
type Dispatcher interface {
	RouteAndDispatch(ctx context.Context, job Job) Outcome
}

// QueueConfig bounds the worker pool and retry policy. ReclaimAfter is the
// lease on a running job: past it the job is presumed orphaned by a dead
// worker and becomes claimable again.
type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ReclaimAfter time.Duration
}

// Queue is a durable FIFO-per-priority work queue over the
// notification_jobs table. Enqueue persists before returning; workers claim
// with FOR UPDATE SKIP LOCKED so a slow job never stalls the others.
type Queue struct {
	db       *sql.DB
	cfg      QueueConfig
	dispatch Dispatcher
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewQueue(db *sql.DB, cfg QueueConfig, dispatch Dispatcher, m *metrics.Metrics, log *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 5 * time.Minute
	}
	return &Queue{db: db, cfg: cfg, dispatch: dispatch, metrics: m, log: log, now: time.Now}
}

// Enqueue persists the job. Once this returns nil the job survives a process
// restart; it is typically called from a post-commit side effect.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if !job.Type.Known() {
		return fmt.Errorf("enqueue: unknown job type %q", string(job.Type))
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("enqueue: marshal payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO notification_jobs
		   (id, job_type, identity, priority, payload, status, attempts, next_run_at, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), $7, NOW(), NOW())`,
		job.ID, string(job.Type), job.Target.Identity, job.Delivery.Priority,
		payload, statusPending, job.expiresAt(q.now()),
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Start launches the worker pool. Workers exit when ctx is canceled; Wait
// blocks until they have.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.runWorker(ctx, worker)
		}(i)
	}
}

func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) runWorker(ctx context.Context, worker int) {
	log := q.log.With(zap.Int("worker", worker))
	for {
		processed, err := q.processOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue poll failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

type claimedJob struct {
	job       Job
	attempts  int
	expiresAt *time.Time
	rawBroken bool
}

// processOne claims and dispatches a single job. Returns false when the
// queue had nothing runnable.
func (q *Queue) processOne(ctx context.Context) (bool, error) {
	claimed, ok, err := q.claim(ctx)
	if err != nil || !ok {
		return false, err
	}

	if claimed.rawBroken {
		// Unreadable payload can never succeed; fail it rather than loop.
		return true, q.setStatus(ctx, claimed.job.ID, statusFailed, "corrupt payload")
	}

	if claimed.expiresAt != nil && claimed.expiresAt.Before(q.now()) {
		// Past its relevance window: drop without delivery or error.
		q.metrics.JobsExpired.Inc()
		return true, q.setStatus(ctx, claimed.job.ID, statusExpired, "ttl elapsed")
	}

	outcome := q.dispatch.RouteAndDispatch(ctx, claimed.job)
	q.metrics.JobsProcessed.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case OutcomeSuccess:
		return true, q.setStatus(ctx, claimed.job.ID, statusDelivered, "")
	case OutcomePermanent:
		return true, q.setStatus(ctx, claimed.job.ID, statusFailed, "permanent delivery error")
	case OutcomeRetryable:
		if claimed.attempts >= q.cfg.MaxAttempts {
			q.log.Error("job permanently failed after retries",
				zap.String("job_id", claimed.job.ID),
				zap.Int("attempts", claimed.attempts))
			return true, q.setStatus(ctx, claimed.job.ID, statusFailed, "retry budget exhausted")
		}
		q.metrics.JobsRetried.Inc()
		return true, q.requeue(ctx, claimed.job.ID, claimed.attempts)
	}
	return true, q.setStatus(ctx, claimed.job.ID, statusFailed, "unknown outcome")
}

// claim moves the best runnable job to running. SKIP LOCKED keeps concurrent
// workers off each other's rows without blocking. A job stuck in running past
// the reclaim lease belonged to a worker that died mid-dispatch; it counts as
// runnable again, and the attempt increment charges the lost run against its
// retry budget.
func (q *Queue) claim(ctx context.Context) (claimedJob, bool, error) {
	var (
		c        claimedJob
		jobType  string
		identity int
		priority int
		payload  []byte
		expires  sql.NullTime
	)
	err := q.db.QueryRowContext(ctx,
		`UPDATE notification_jobs SET status = $1, attempts = attempts + 1, updated_at = NOW()
		 WHERE id = (
		   SELECT id FROM notification_jobs
		   WHERE (status = $2 AND next_run_at <= NOW())
		      OR (status = $1 AND updated_at < NOW() - $3 * interval '1 millisecond')
		   ORDER BY priority DESC, created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, job_type, identity, priority, payload, attempts, expires_at`,
		statusRunning, statusPending, q.cfg.ReclaimAfter.Milliseconds(),
	).Scan(&c.job.ID, &jobType, &identity, &priority, &payload, &c.attempts, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return claimedJob{}, false, nil
	}
	if err != nil {
		return claimedJob{}, false, fmt.Errorf("claim job: %w", err)
	}

	c.job.Type = JobType(jobType)
	c.job.Target.Identity = identity
	c.job.Delivery.Priority = priority
	if expires.Valid {
		t := expires.Time
		c.expiresAt = &t
	}
	if err := json.Unmarshal(payload, &c.job.Payload); err != nil {
		q.log.Error("corrupt job payload", zap.String("job_id", c.job.ID), zap.Error(err))
		c.rawBroken = true
	}
	return c, true, nil
}

func (q *Queue) setStatus(ctx context.Context, jobID, status, lastError string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE notification_jobs
		 SET status = $1, last_error = NULLIF($2, ''), updated_at = NOW()
		 WHERE id = $3`,
		status, lastError, jobID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) requeue(ctx context.Context, jobID string, attempts int) error {
	delay := q.backoff(attempts)
	_, err := q.db.ExecContext(ctx,
		`UPDATE notification_jobs
		 SET status = $1, next_run_at = NOW() + $2 * interval '1 millisecond', updated_at = NOW()
		 WHERE id = $3`,
		statusPending, delay.Milliseconds(), jobID,
	)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	return nil
}

// backoff doubles per attempt from the base, clamped at the max.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if delay > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return delay
}

// Stats is the read-only status query for operator dashboards.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_jobs GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	q.metrics.QueueDepth.Set(float64(stats[statusPending]))
	return stats, rows.Err()
}
