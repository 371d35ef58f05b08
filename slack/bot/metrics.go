package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceivedTotal counts Events API deliveries by type.
	EventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_slack_events_received_total",
		Help: "Slack events received, by event type and inner event type.",
	}, []string{"type", "inner_type"})

	// EventsDuplicateTotal counts deliveries skipped by deduplication.
	EventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_slack_events_duplicate_total",
		Help: "Slack event deliveries skipped as duplicates.",
	})

	// MessagesProcessedTotal counts messages handed to the processor.
	MessagesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_slack_messages_processed_total",
		Help: "Slack messages handed to the processor.",
	}, []string{"channel_type", "is_dm", "is_channel"})

	// MessagesIgnoredTotal counts messages dropped before processing.
	MessagesIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_slack_messages_ignored_total",
		Help: "Slack messages ignored, by reason.",
	}, []string{"reason"})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_slack_turns_total",
		Help: "Assistant turns run from Slack, by resolved intent.",
	}, []string{"intent"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_slack_turn_duration_seconds",
		Help:    "Wall time of assistant turns run from Slack.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// RecordTurn records one finished assistant turn.
func RecordTurn(intent string, d time.Duration) {
	if intent == "" {
		intent = "unknown"
	}
	turnsTotal.WithLabelValues(intent).Inc()
	turnDuration.Observe(d.Seconds())
}
