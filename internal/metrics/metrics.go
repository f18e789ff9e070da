// Package metrics exposes the notification pipeline's Prometheus
// collectors. Everything registers on the registry handed in, so tests can
// use a private registry and main uses the default one behind /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsProcessed   *prometheus.CounterVec
	JobsRetried     prometheus.Counter
	JobsExpired     prometheus.Counter
	PushClaims      *prometheus.CounterVec
	PushSends       *prometheus.CounterVec
	LiveEvents      prometheus.Counter
	PresenceLookups *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_jobs_processed_total",
			Help: "Notification jobs completed, by outcome.",
		}, []string{"outcome"}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "notify_jobs_retried_total",
			Help: "Notification jobs re-enqueued with backoff.",
		}),
		JobsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "notify_jobs_expired_total",
			Help: "Notification jobs dropped past their TTL.",
		}),
		PushClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_push_claims_total",
			Help: "Wake-up channel claim attempts, won or lost.",
		}, []string{"result"}),
		PushSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_push_sends_total",
			Help: "Wake-up channel fan-outs, by result.",
		}, []string{"result"}),
		LiveEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "notify_live_events_total",
			Help: "Events published to the live channel.",
		}),
		PresenceLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_presence_lookups_total",
			Help: "Presence checks during channel routing.",
		}, []string{"result"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notify_queue_depth",
			Help: "Jobs currently pending in the notification queue.",
		}),
	}
}
