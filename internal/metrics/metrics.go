package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_appended_total",
		Help: "Messages committed to the conversation log.",
	})

	EnvelopesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_fanout_envelopes_published_total",
		Help: "Envelopes appended to the fanout bus.",
	})

	EnvelopesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_fanout_envelopes_consumed_total",
		Help: "Envelopes read from the fanout bus and handed to delivery.",
	})

	EnvelopesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_fanout_envelopes_skipped_total",
		Help: "Stream entries acked without delivery because they were not valid envelopes.",
	})

	SubscribersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_subscribers_live",
		Help: "WebSocket subscribers currently registered in this process.",
	})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_outbox_pending",
		Help: "Outbox rows awaiting publish.",
	})

	OutboxOldestAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest unpublished outbox row.",
	})

	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_outbox_published_total",
		Help: "Outbox rows successfully published to the broker.",
	})

	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_outbox_publish_failures_total",
		Help: "Outbox publish attempts that failed.",
	})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
