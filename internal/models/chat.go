package models

import "time"

// ChatMessage is a direct message between two identities. DeliveredAt is set
// by the notification pipeline once any channel confirms the recipient was
// reached; the sender only ever learns about delivery through that flag and
// the matching live event.
type ChatMessage struct {
	ID          int        `json:"id"`
	SenderID    int        `json:"sender_id"`
	RecipientID int        `json:"recipient_id"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}
