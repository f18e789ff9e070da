package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"incident-reporter-go/internal/ledger"
	"incident-reporter-go/internal/notify"
	"incident-reporter-go/internal/presence"
	"incident-reporter-go/internal/store"
	"incident-reporter-go/internal/txn"
)

const sessionName = "reporter-session"

type Handler struct {
	PG       *store.PostgresStore
	Redis    *store.RedisStore
	Presence presence.Tracker
	Exec     *txn.Executor
	Ledger   *ledger.Ledger
	Queue    *notify.Queue
	Log      *zap.Logger

	// PresenceTTL matches the tracker's key expiry; open event streams
	// refresh presence well inside it.
	PresenceTTL time.Duration

	VAPIDPublicKey string

	sessions *sessions.CookieStore
}

func NewHandler(pg *store.PostgresStore, rdb *store.RedisStore, tracker presence.Tracker, exec *txn.Executor, ldg *ledger.Ledger, queue *notify.Queue, presenceTTL time.Duration, sessionSecret, vapidPublicKey string, log *zap.Logger) *Handler {
	return &Handler{
		PG:             pg,
		Redis:          rdb,
		Presence:       tracker,
		Exec:           exec,
		Ledger:         ldg,
		Queue:          queue,
		Log:            log,
		PresenceTTL:    presenceTTL,
		VAPIDPublicKey: vapidPublicKey,
		sessions:       sessions.NewCookieStore([]byte(sessionSecret)),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeLedgerError maps the mutation taxonomy onto HTTP statuses. Conflict
// is retryable and says so; internal errors never leak driver detail.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, txn.ErrConflict):
		h.writeError(w, http.StatusConflict, "busy, retry")
	default:
		h.Log.Error("mutation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// HeartbeatHandler refreshes the caller's presence TTL. Clients call it on
// an interval shorter than the configured window.
func (h *Handler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, _, _ := h.currentUser(r)
	if userID == 0 {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.Presence.MarkOnline(r.Context(), userID); err != nil {
		h.Log.Warn("heartbeat failed", zap.Int("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"online": true})
}

// SSEHandler streams the caller's live events. An open stream also counts as
// presence: the connection heartbeats for as long as it lives.
func (h *Handler) SSEHandler(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := h.currentUser(r)
	if userID == 0 {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	pubsub := h.Redis.Subscribe(r.Context(), userID)
	defer pubsub.Close()

	if err := h.Presence.MarkOnline(r.Context(), userID); err != nil {
		h.Log.Warn("presence refresh failed", zap.Int("user_id", userID), zap.Error(err))
	}

	fmt.Fprintf(w, "data: %s\n\n", `{"kind":"connected"}`)
	flusher.Flush()

	h.streamEvents(r.Context(), w, flusher, userID, pubsub.Channel())

	// The request context is gone; use a fresh one for the cleanup.
	if err := h.Presence.MarkOffline(context.Background(), userID); err != nil {
		h.Log.Warn("mark offline failed", zap.Int("user_id", userID), zap.Error(err))
	}
}

// streamEvents forwards live events to the open connection and refreshes the
// caller's presence on an interval inside the TTL, so the key never lapses
// while the stream is up.
func (h *Handler) streamEvents(ctx context.Context, w io.Writer, flusher http.Flusher, userID int, ch <-chan *redis.Message) {
	interval := h.PresenceTTL / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	refresh := time.NewTicker(interval)
	defer refresh.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			flusher.Flush()
		case <-refresh.C:
			if err := h.Presence.MarkOnline(ctx, userID); err != nil {
				h.Log.Warn("presence refresh failed", zap.Int("user_id", userID), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// QueueStatsHandler is the operator view of notification job states.
func (h *Handler) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.Log.Error("queue stats failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": stats})
}
