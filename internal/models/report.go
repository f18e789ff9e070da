package models

import "time"

// Report statuses move forward only; HIDDEN is an overlay a moderator can
// apply or remove at any point.
const (
	ReportStatusOpen     = "open"
	ReportStatusResolved = "resolved"
	ReportStatusRejected = "rejected"
)

type Report struct {
	ID          int        `json:"id"`
	OwnerID     int        `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Hidden      bool       `json:"hidden"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type Comment struct {
	ID        int        `json:"id"`
	ReportID  int        `json:"report_id"`
	OwnerID   int        `json:"owner_id"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
