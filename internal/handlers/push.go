package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// GetVAPIDKeyHandler returns the public VAPID key for client registration.
func (h *Handler) GetVAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": h.VAPIDPublicKey,
	})
}

// SubscribePushHandler saves a wake-up endpoint for the caller. Re-posting
// the same endpoint re-binds it to the current user.
func (h *Handler) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, _, _ := h.currentUser(r)
	if userID == 0 {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.PG.SavePushSubscription(r.Context(), userID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		h.Log.Error("failed to save subscription", zap.Int("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	w.WriteHeader(http.StatusOK)
}
