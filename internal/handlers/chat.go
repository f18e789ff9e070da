package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"incident-reporter-go/internal/models"
	"incident-reporter-go/internal/notify"
	"incident-reporter-go/internal/txn"
)

// SendMessageHandler persists a chat message and defers its notification to
// the queue. The sender gets an immediate 201; delivery is invisible to this
// request and confirmed later through a live "delivered" event.
func (h *Handler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RecipientID int    `json:"recipient_id"`
		Body        string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" || req.RecipientID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	actor := h.actor(r)
	msg := models.ChatMessage{SenderID: actor.ID, RecipientID: req.RecipientID, Body: req.Body}
	err := h.Exec.Run(r.Context(), actor, func(ctx context.Context, tx txn.Tx, sink *txn.Sink) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO chat_messages (sender_id, recipient_id, body, created_at)
			 VALUES ($1, $2, $3, NOW())
			 RETURNING id, created_at`,
			actor.ID, req.RecipientID, req.Body,
		).Scan(&msg.ID, &msg.CreatedAt)
		if err != nil {
			return txn.Classify(err)
		}

		sink.Queue(txn.EffectEnqueueJob, func(ctx context.Context) error {
			job := notify.NewJob(notify.JobChatMessage, req.RecipientID, notify.Payload{
				Title:   "New message",
				Message: req.Body,
				Entity:  notify.EntityRef{Type: "chat_message", ID: int64(msg.ID)},
				Data:    map[string]any{"sender_id": actor.ID},
			})
			job.Delivery.Priority = notify.PriorityHigh
			return h.Queue.Enqueue(ctx, job)
		})
		return nil
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, msg)
}
