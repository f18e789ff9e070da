package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"incident-reporter-go/internal/models"
)

// SubscriptionStore resolves the wake-up endpoints registered for an
// identity. Endpoint registration itself is owned by the subscription
// feature, not this package.
type SubscriptionStore interface {
	GetPushSubscriptions(ctx context.Context, identity int) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id int) error
}

// WebPushConfig carries the VAPID identity of this server.
type WebPushConfig struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// TTL the push service may hold an undelivered message, and the
	// per-endpoint request timeout.
	MessageTTL     time.Duration
	RequestTimeout time.Duration
}

// WebPushSender fans a payload out over the Web Push protocol. A gone
// endpoint (404/410) is pruned; a request timeout counts as that endpoint
// failing, never as success.
type WebPushSender struct {
	subs SubscriptionStore
	cfg  WebPushConfig
	log  *zap.Logger
}

func NewWebPushSender(subs SubscriptionStore, cfg WebPushConfig, log *zap.Logger) *WebPushSender {
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &WebPushSender{subs: subs, cfg: cfg, log: log}
}

func (s *WebPushSender) Send(ctx context.Context, identity int, payload []byte) (int, int, error) {
	subs, err := s.subs.GetPushSubscriptions(ctx, identity)
	if err != nil {
		return 0, 0, err
	}

	accepted := 0
	for _, sub := range subs {
		if s.sendOne(ctx, sub, payload) {
			accepted++
		}
	}
	return accepted, len(subs), nil
}

func (s *WebPushSender) sendOne(ctx context.Context, sub models.PushSubscription, payload []byte) bool {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(sendCtx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             int(s.cfg.MessageTTL.Seconds()),
	})
	if err != nil {
		s.log.Warn("push send failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The push service revoked this registration; keeping it would make
		// every future send fail.
		if err := s.subs.DeletePushSubscription(ctx, sub.ID); err != nil {
			s.log.Warn("prune revoked endpoint failed", zap.Int("subscription_id", sub.ID), zap.Error(err))
		}
		return false
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true
	default:
		s.log.Warn("push endpoint rejected payload",
			zap.String("endpoint", sub.Endpoint),
			zap.Int("status", resp.StatusCode))
		return false
	}
}
