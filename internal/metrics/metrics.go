package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecipientsProcessed counts recipient send attempts by outcome
	RecipientsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_recipients_total",
			Help: "Recipient send attempts by outcome",
		},
		[]string{"status"}, // sent or failed
	)

	// DispatchDuration tracks how long a full dispatch run takes
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_dispatch_duration_seconds",
			Help:    "Duration of campaign dispatch runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"result"}, // completed, transport_unavailable, claimed_elsewhere, error
	)

	// ScheduleFires counts trigger firings per outcome of the handoff
	ScheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Schedule trigger firings",
		},
		[]string{"result"}, // queued, dropped
	)

	// LiveTriggers is the number of triggers held by the registry
	LiveTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedule_live_triggers",
			Help: "Live schedule triggers",
		},
	)
)

func RecordRecipient(status string) {
	RecipientsProcessed.WithLabelValues(status).Inc()
}

// RecordDispatchDuration records the duration of a dispatch run
func RecordDispatchDuration(result string, seconds float64) {
	DispatchDuration.WithLabelValues(result).Observe(seconds)
}

func RecordScheduleFire(result string) {
	ScheduleFires.WithLabelValues(result).Inc()
}

func SetLiveTriggers(n int) {
	LiveTriggers.Set(float64(n))
}
