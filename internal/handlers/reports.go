package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"incident-reporter-go/internal/ledger"
	"incident-reporter-go/internal/models"
	"incident-reporter-go/internal/notify"
	"incident-reporter-go/internal/store"
	"incident-reporter-go/internal/txn"
)

// CreateReportHandler files a new incident report owned by the caller.
func (h *Handler) CreateReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Category    string  `json:"category"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	actor := h.actor(r)
	report, err := h.PG.CreateReport(r.Context(), actor.ID, req.Title, req.Description, req.Category, req.Latitude, req.Longitude)
	if err != nil {
		h.Log.Error("create report failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	h.writeJSON(w, http.StatusCreated, report)
}

// ReportHandler serves a single report: GET reads it, DELETE is the owner's
// soft delete through the governance ledger (snapshot, ownership check,
// user_action_log row). Repeating the delete on an already-deleted report is
// a recorded-once no-op.
func (h *Handler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	reportID, ok := idFromPath(r.URL.Path, "/api/reports/")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getReport(w, r, reportID)
	case http.MethodDelete:
		h.deleteReport(w, r, reportID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request, reportID int64) {
	report, err := h.PG.GetReport(r.Context(), int(reportID))
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.Log.Error("get report failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if report.DeletedAt != nil || report.Hidden {
		// Hidden and deleted reports read as absent for everyone but their
		// owner and moderators.
		userID, _, role := h.currentUser(r)
		if userID != report.OwnerID && role != "admin" {
			h.writeError(w, http.StatusNotFound, "not found")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) deleteReport(w http.ResponseWriter, r *http.Request, reportID int64) {
	actor := h.actor(r)
	res, err := h.Ledger.ExecuteUserAction(r.Context(), actor,
		ledger.Target{Type: ledger.TargetReport, ID: reportID},
		ledger.ActionUserDelete,
		ledger.Mutation{
			Query: `UPDATE reports SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
			Args:  []any{reportID},
		},
		func(sink *txn.Sink, _ ledger.Result) {
			h.queueReportActivity(sink, int(reportID), actor.ID,
				"Report removed", "A report you follow was removed by its author")
		},
	)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"idempotent": res.Idempotent,
		"audit_id":   res.AuditID,
	})
}

// AddCommentHandler is the full pipeline in one request: the comment insert
// and the notification fan-out share a transaction, and the fan-out only
// happens if the insert commits.
func (h *Handler) AddCommentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReportID int    `json:"report_id"`
		Body     string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	actor := h.actor(r)
	comment := models.Comment{ReportID: req.ReportID, OwnerID: actor.ID, Body: req.Body}
	err := h.Exec.Run(r.Context(), actor, func(ctx context.Context, tx txn.Tx, sink *txn.Sink) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO comments (report_id, owner_id, body, created_at)
			 SELECT $1, $2, $3, NOW()
			 FROM reports WHERE id = $1 AND deleted_at IS NULL
			 RETURNING id, created_at`,
			req.ReportID, actor.ID, req.Body,
		).Scan(&comment.ID, &comment.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: report %d", ledger.ErrNotFound, req.ReportID)
		}
		if err != nil {
			return txn.Classify(err)
		}

		h.queueReportActivity(sink, req.ReportID, actor.ID,
			"New comment", "A report you follow has a new comment")
		return nil
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) FollowReportHandler(w http.ResponseWriter, r *http.Request) {
	h.setFollow(w, r, true)
}

func (h *Handler) UnfollowReportHandler(w http.ResponseWriter, r *http.Request) {
	h.setFollow(w, r, false)
}

func (h *Handler) setFollow(w http.ResponseWriter, r *http.Request, follow bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReportID int `json:"report_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	userID, _, _ := h.currentUser(r)
	var err error
	if follow {
		err = h.PG.FollowReport(r.Context(), userID, req.ReportID)
	} else {
		err = h.PG.UnfollowReport(r.Context(), userID, req.ReportID)
	}
	if err != nil {
		h.Log.Error("follow update failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "follow update failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// queueReportActivity defers a REPORT_ACTIVITY job per follower until after
// commit. The follower list is read post-commit on purpose: it reflects the
// committed state, and a rolled-back transaction enqueues nothing.
func (h *Handler) queueReportActivity(sink *txn.Sink, reportID, exceptIdentity int, title, message string) {
	sink.Queue(txn.EffectEnqueueJob, func(ctx context.Context) error {
		followers, err := h.PG.GetReportFollowers(ctx, reportID)
		if err != nil {
			return fmt.Errorf("resolve followers: %w", err)
		}
		for _, follower := range followers {
			if follower == exceptIdentity {
				continue
			}
			job := notify.NewJob(notify.JobReportActivity, follower, notify.Payload{
				Title:   title,
				Message: message,
				Entity:  notify.EntityRef{Type: "report", ID: int64(reportID)},
			})
			job.Delivery.TTLSeconds = int((24 * time.Hour).Seconds())
			if err := h.Queue.Enqueue(ctx, job); err != nil {
				return fmt.Errorf("enqueue for %d: %w", follower, err)
			}
		}
		return nil
	})
}

func idFromPath(path, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, "/")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
