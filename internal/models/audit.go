package models

import (
	"encoding/json"
	"time"
)

// AuditRecord is one row of the moderation ledger. Rows are append-only:
// nothing in the codebase updates or deletes them once written, and a row
// only exists if the mutation it describes committed.
type AuditRecord struct {
	ID                   int64           `json:"id"`
	ActorID              int             `json:"actor_id"`
	ActorType            ActorType       `json:"actor_type"`
	ImpersonatedIdentity *int            `json:"impersonated_identity,omitempty"`
	TargetType           string          `json:"target_type"`
	TargetID             int64           `json:"target_id"`
	ActionType           string          `json:"action_type"`
	Reason               string          `json:"reason"`
	InternalNote         *string         `json:"internal_note,omitempty"`
	Snapshot             json.RawMessage `json:"snapshot"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// UserActionRecord mirrors AuditRecord for actions a resource's own creator
// takes on it. Idempotent re-applications (delete of an already-deleted row)
// produce no record at all.
type UserActionRecord struct {
	ID         int64           `json:"id"`
	ActorID    int             `json:"actor_id"`
	TargetType string          `json:"target_type"`
	TargetID   int64           `json:"target_id"`
	ActionType string          `json:"action_type"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
