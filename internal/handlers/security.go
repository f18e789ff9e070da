package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
)

// ChangePasswordHandler updates the caller's password and raises a
// SECURITY_ALERT. The alert always tries both channels: an attacker who
// changed the password may be the one currently "present".
func (h *Handler) ChangePasswordHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.NewPassword) < 8 {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	userID, _, _ := h.currentUser(r)
	user, err := h.PG.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !user.CheckPassword(req.CurrentPassword) {
		h.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	hash, err := models.HashPassword(req.NewPassword)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "hash failed")
		return
	}
	if err := h.PG.UpdateUserPassword(r.Context(), userID, hash); err != nil {
		h.Log.Error("password update failed", zap.Int("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "update failed")
		return
	}

	h.raiseSecurityAlert(r, userID, "Password changed",
		"Your account password was just changed. If this wasn't you, contact support immediately.")

	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) raiseSecurityAlert(r *http.Request, userID int, title, message string) {
	job := securityAlertJob(userID, title, message)
	if err := h.Queue.Enqueue(r.Context(), job); err != nil {
		h.Log.Error("security alert enqueue failed", zap.Int("user_id", userID), zap.Error(err))
	}
}
