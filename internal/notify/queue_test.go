package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoffDoublesAndClamps(t *testing.T) {
	q := &Queue{cfg: QueueConfig{
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  time.Minute,
	}}

	assert.Equal(t, 5*time.Second, q.backoff(1))
	assert.Equal(t, 10*time.Second, q.backoff(2))
	assert.Equal(t, 20*time.Second, q.backoff(3))
	assert.Equal(t, 40*time.Second, q.backoff(4))
	assert.Equal(t, time.Minute, q.backoff(5))
	assert.Equal(t, time.Minute, q.backoff(50), "deep retries stay at the clamp")
}

func TestNewQueueDefaults(t *testing.T) {
	q := NewQueue(nil, QueueConfig{}, nil, nil, zap.NewNop())

	assert.Equal(t, 4, q.cfg.Workers)
	assert.Equal(t, time.Second, q.cfg.PollInterval)
	assert.Equal(t, 5, q.cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, q.cfg.BaseBackoff)
	assert.Equal(t, 10*time.Minute, q.cfg.MaxBackoff)
	assert.Equal(t, 5*time.Minute, q.cfg.ReclaimAfter,
		"a running job must come back under a finite lease, not stay stranded")
}

func TestNewJobDefaults(t *testing.T) {
	payload := Payload{
		Title:  "New comment",
		Entity: EntityRef{Type: "report", ID: 12},
	}
	job := NewJob(JobReportActivity, 8, payload)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobReportActivity, job.Type)
	assert.Equal(t, 8, job.Target.Identity)
	assert.Equal(t, PriorityNormal, job.Delivery.Priority)
	assert.Zero(t, job.Delivery.TTLSeconds)

	other := NewJob(JobReportActivity, 8, payload)
	assert.NotEqual(t, job.ID, other.ID)
}

func TestJobExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	job := Job{Delivery: Delivery{TTLSeconds: 3600}}
	deadline := job.expiresAt(now)
	require.NotNil(t, deadline)
	assert.Equal(t, now.Add(time.Hour), *deadline)

	forever := Job{}
	assert.Nil(t, forever.expiresAt(now), "zero TTL means no expiry")
}

func TestJobTypeKnown(t *testing.T) {
	for _, jt := range []JobType{JobChatMessage, JobReportActivity, JobFollowUpdate, JobProximityAlert, JobSecurityAlert} {
		assert.True(t, jt.Known(), string(jt))
	}
	assert.False(t, JobType("CARRIER_PIGEON").Known())
	assert.False(t, JobType("").Known())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "retryable_error", OutcomeRetryable.String())
	assert.Equal(t, "permanent_error", OutcomePermanent.String())
}
