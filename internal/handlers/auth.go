package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
)

// LoginHandler authenticates and opens a session. A successful login also
// heartbeats presence: the user is demonstrably at a connected client.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTPCode string `json:"totp_code"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.PG.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !user.CheckPassword(req.Password) {
		h.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if user.TOTPEnabled {
		if !user.VerifyTOTP(req.TOTPCode) {
			h.writeError(w, http.StatusUnauthorized, "invalid verification code")
			return
		}
	}

	session, _ := h.sessions.Get(r, sessionName)
	session.Values["user_id"] = user.ID
	session.Values["username"] = user.Username
	session.Values["role"] = user.Role
	if err := session.Save(r, w); err != nil {
		h.Log.Error("session save failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	if err := h.Presence.MarkOnline(r.Context(), user.ID); err != nil {
		h.Log.Warn("presence mark failed", zap.Int("user_id", user.ID), zap.Error(err))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"user":     user,
		"is_admin": user.IsAdmin(),
	})
}

// LogoutHandler closes the session and removes the presence entry right
// away rather than waiting for the TTL.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := h.currentUser(r)

	session, _ := h.sessions.Get(r, sessionName)
	session.Values["user_id"] = nil
	session.Options.MaxAge = -1
	_ = session.Save(r, w)

	if userID != 0 {
		if err := h.Presence.MarkOffline(r.Context(), userID); err != nil {
			h.Log.Warn("mark offline failed", zap.Int("user_id", userID), zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RequireAuth rejects requests without a session.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, _ := h.currentUser(r)
		if userID == 0 {
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// RequireAdmin rejects non-admin sessions.
func (h *Handler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _, role := h.currentUser(r)
		if role != "admin" {
			h.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

// currentUser reads the caller's identity from the session.
func (h *Handler) currentUser(r *http.Request) (int, string, string) {
	session, _ := h.sessions.Get(r, sessionName)
	userID, _ := session.Values["user_id"].(int)
	username, _ := session.Values["username"].(string)
	role, _ := session.Values["role"].(string)
	return userID, username, role
}

// actor builds the mutation actor from the session identity.
func (h *Handler) actor(r *http.Request) models.Actor {
	userID, _, role := h.currentUser(r)
	return models.Actor{ID: userID, Type: models.ActorHuman, Role: role}
}

// Bootstrap creates a default admin user on an empty database.
func (h *Handler) Bootstrap(ctx context.Context) {
	n, err := h.PG.CountUsers(ctx)
	if err != nil || n > 0 {
		return
	}
	user, err := h.PG.CreateUser(ctx, "admin", "admin123", "admin")
	if err != nil {
		h.Log.Error("failed to create default admin", zap.Error(err))
		return
	}
	h.Log.Info("created default admin user", zap.String("username", user.Username))
}
