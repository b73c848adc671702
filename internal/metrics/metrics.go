package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the ticket ledgers and the customer view service
var (
	LedgerWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_writes_total",
			Help: "Ledger writes and removals by ledger and outcome",
		},
		[]string{"ledger", "op", "outcome"},
	)

	LedgerReadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_read_failures_total",
			Help: "Ledger reads that degraded to an empty result, by reason",
		},
		[]string{"ledger", "reason"},
	)

	TokenDecodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_token_decodes_total",
			Help: "Invoice token decode attempts by outcome",
		},
		[]string{"outcome"},
	)

	ApprovalItemsUpsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "work_approval_items_upserted_total",
			Help: "Total number of work approval items upserted",
		},
	)

	WatchEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_watch_events_dropped_total",
			Help: "Ledger events dropped because a watcher buffer was full",
		},
	)

	TimelinePublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_publish_total",
			Help: "Timeline rows posted to the timeline API by outcome",
		},
		[]string{"outcome"},
	)

	TimelinePublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timeline_publish_duration_seconds",
			Help:    "Duration of timeline API posts",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(LedgerWritesTotal)
	prometheus.MustRegister(LedgerReadFailuresTotal)
	prometheus.MustRegister(TokenDecodesTotal)
	prometheus.MustRegister(ApprovalItemsUpsertedTotal)
	prometheus.MustRegister(WatchEventsDroppedTotal)
	prometheus.MustRegister(TimelinePublishTotal)
	prometheus.MustRegister(TimelinePublishDuration)
}
