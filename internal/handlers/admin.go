package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"incident-reporter-go/internal/ledger"
	"incident-reporter-go/internal/notify"
	"incident-reporter-go/internal/txn"
)

// moderationActions maps the API verb onto the ledger action and the
// mutation it drives. Closed set; anything else is a bad request.
var moderationActions = map[string]struct {
	action ledger.ActionType
	query  string
}{
	"hide": {
		action: ledger.ActionAdminHide,
		query:  `UPDATE reports SET hidden = TRUE WHERE id = $1`,
	},
	"unhide": {
		action: ledger.ActionAdminUnhide,
		query:  `UPDATE reports SET hidden = FALSE WHERE id = $1`,
	},
	"resolve": {
		action: ledger.ActionResolveReport,
		query:  `UPDATE reports SET status = 'resolved' WHERE id = $1`,
	},
	"reject": {
		action: ledger.ActionRejectReport,
		query:  `UPDATE reports SET status = 'rejected' WHERE id = $1`,
	},
	"delete": {
		action: ledger.ActionAdminDelete,
		query:  `UPDATE reports SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
	},
}

// ModerateReportHandler applies an administrative action to a report through
// the governance ledger: one audit row, then the mutation, then the follower
// fan-out once the transaction commits.
func (h *Handler) ModerateReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReportID     int    `json:"report_id"`
		Action       string `json:"action"`
		Reason       string `json:"reason"`
		InternalNote string `json:"internal_note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	spec, ok := moderationActions[req.Action]
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	actor := h.actor(r)
	res, err := h.Ledger.ExecuteModeration(r.Context(), actor,
		ledger.Target{Type: ledger.TargetReport, ID: int64(req.ReportID)},
		spec.action,
		ledger.Mutation{Query: spec.query, Args: []any{req.ReportID}},
		ledger.ModerationOpts{
			Reason:       req.Reason,
			InternalNote: req.InternalNote,
			Metadata:     map[string]any{"via": "admin_api"},
		},
		func(sink *txn.Sink, result ledger.Result) {
			if result.Idempotent {
				return
			}
			h.queueReportActivity(sink, req.ReportID, actor.ID,
				"Report updated",
				"A report you follow was updated by a moderator")
		},
	)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"audit_id":   res.AuditID,
		"rows":       res.RowCount,
		"idempotent": res.Idempotent,
	})
}

// AuditLogHandler returns the ledger entries for one target: the moderation
// trail and the creator's own actions, newest first.
func (h *Handler) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	targetType := r.URL.Query().Get("target_type")
	targetID, err := strconv.ParseInt(r.URL.Query().Get("target_id"), 10, 64)
	if targetType == "" || err != nil || targetID <= 0 {
		h.writeError(w, http.StatusBadRequest, "target_type and target_id are required")
		return
	}

	audit, err := h.PG.ListAuditRecords(r.Context(), targetType, targetID)
	if err != nil {
		h.Log.Error("audit log read failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	userActions, err := h.PG.ListUserActionRecords(r.Context(), targetType, targetID)
	if err != nil {
		h.Log.Error("user action log read failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"audit":        audit,
		"user_actions": userActions,
	})
}

// securityAlertJob builds the safety-critical notification used by account
// security changes. It carries a high priority and a short TTL: a stale
// warning is worse than none.
func securityAlertJob(identity int, title, message string) notify.Job {
	job := notify.NewJob(notify.JobSecurityAlert, identity, notify.Payload{
		Title:   title,
		Message: message,
		Entity:  notify.EntityRef{Type: "account", ID: int64(identity)},
	})
	job.Delivery.Priority = notify.PriorityHigh
	job.Delivery.TTLSeconds = int(time.Hour.Seconds())
	return job
}
