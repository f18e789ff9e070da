package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
)

const totpIssuer = "Incident Reporter"

// Generate2FAHandler generates a new TOTP secret and QR code for the caller.
// Nothing is stored until the code is verified in Enable2FAHandler.
func (h *Handler) Generate2FAHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, username, _ := h.currentUser(r)
	if userID == 0 {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	enrollment, err := models.NewTOTPEnrollment(username, totpIssuer)
	if err != nil {
		h.Log.Error("totp enrollment failed", zap.Int("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}

	h.writeJSON(w, http.StatusOK, enrollment)
}

// Enable2FAHandler verifies the TOTP code, enables 2FA, and raises a
// SECURITY_ALERT so the account owner hears about it on every channel.
func (h *Handler) Enable2FAHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if !models.VerifyTOTPCode(req.Secret, req.Code) {
		h.writeError(w, http.StatusUnauthorized, "invalid verification code")
		return
	}

	userID, _, _ := h.currentUser(r)
	if err := h.PG.UpdateUser2FA(r.Context(), userID, req.Secret, true); err != nil {
		h.Log.Error("enable 2FA failed", zap.Int("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to enable 2FA")
		return
	}

	h.raiseSecurityAlert(r, userID, "Two-factor authentication enabled",
		"TOTP two-factor authentication was just enabled on your account.")

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Disable2FAHandler disables the caller's 2FA and raises a SECURITY_ALERT.
func (h *Handler) Disable2FAHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, _, _ := h.currentUser(r)
	if err := h.PG.Disable2FA(r.Context(), userID); err != nil {
		h.Log.Error("disable 2FA failed", zap.Int("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to disable 2FA")
		return
	}

	h.raiseSecurityAlert(r, userID, "Two-factor authentication disabled",
		"TOTP two-factor authentication was just disabled on your account.")

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
