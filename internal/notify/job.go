package notify

import (
	"time"

	"github.com/google/uuid"
)

// JobType tags a notification job. The orchestrator switches on this
// exhaustively; an unrecognized value is a permanent failure, not a silent
// fallthrough.
type JobType string

const (
	JobChatMessage    JobType = "CHAT_MESSAGE"
	JobReportActivity JobType = "REPORT_ACTIVITY"
	JobFollowUpdate   JobType = "FOLLOW_UPDATE"
	JobProximityAlert JobType = "PROXIMITY_ALERT"
	JobSecurityAlert  JobType = "SECURITY_ALERT"
)

// Known reports whether t is a job type this build understands.
func (t JobType) Known() bool {
	switch t {
	case JobChatMessage, JobReportActivity, JobFollowUpdate, JobProximityAlert, JobSecurityAlert:
		return true
	}
	return false
}

// Delivery priorities. Higher runs first; within a priority the queue is
// FIFO by enqueue time.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// EntityRef points at the domain row a notification is about. It is also the
// dedup key for the wake-up channel: at most one unexpired push claim exists
// per (identity, entity).
type EntityRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Target names the recipient.
type Target struct {
	Identity int `json:"identity"`
}

// Delivery carries per-job delivery knobs. TTLSeconds bounds how long the
// job stays relevant; a job still pending past it is dropped silently.
// Zero means no expiry.
type Delivery struct {
	Priority   int `json:"priority"`
	TTLSeconds int `json:"ttl_seconds"`
}

// Payload is what the recipient ultimately sees, on either channel.
type Payload struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Entity  EntityRef      `json:"entity"`
	Data    map[string]any `json:"data,omitempty"`
}

// Job is one unit of notification work. It is durable from the moment
// Enqueue returns until it reaches a terminal status.
type Job struct {
	ID       string   `json:"id"`
	Type     JobType  `json:"type"`
	Target   Target   `json:"target"`
	Delivery Delivery `json:"delivery"`
	Payload  Payload  `json:"payload"`
}

// NewJob fills in the ID and defaults the priority to normal.
func NewJob(jobType JobType, identity int, payload Payload) Job {
	return Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		Target:   Target{Identity: identity},
		Delivery: Delivery{Priority: PriorityNormal},
		Payload:  payload,
	}
}

// expiresAt converts the TTL into an absolute deadline at enqueue time.
func (j Job) expiresAt(now time.Time) *time.Time {
	if j.Delivery.TTLSeconds <= 0 {
		return nil
	}
	deadline := now.Add(time.Duration(j.Delivery.TTLSeconds) * time.Second)
	return &deadline
}

// Outcome is the orchestrator's verdict on one dispatch attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_error"
	case OutcomePermanent:
		return "permanent_error"
	}
	return "unknown"
}
