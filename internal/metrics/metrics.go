// Package metrics provides Prometheus instrumentation for the transports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceivedTotal counts inbound relay events by transport side and kind class.
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nostrmcp",
			Name:      "events_received_total",
			Help:      "Total relay events received by transport side and kind class.",
		},
		[]string{"side", "kind"},
	)

	// EventsPublishedTotal counts outbound events by transport side.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nostrmcp",
			Name:      "events_published_total",
			Help:      "Total events published by transport side.",
		},
		[]string{"side"},
	)

	// DuplicatesSuppressedTotal counts inbound events dropped by the seen cache.
	DuplicatesSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nostrmcp",
			Name:      "duplicates_suppressed_total",
			Help:      "Total duplicate inbound events suppressed before processing.",
		},
		[]string{"side"},
	)

	// DecryptFailuresTotal counts gift-wrap decryption failures.
	DecryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nostrmcp",
			Name:      "decrypt_failures_total",
			Help:      "Total gift wrap decryption failures.",
		},
		[]string{"side"},
	)

	// InvalidMessagesTotal counts payloads that failed JSON-RPC validation.
	InvalidMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nostrmcp",
			Name:      "invalid_messages_total",
			Help:      "Total event payloads that failed JSON-RPC validation.",
		},
		[]string{"side"},
	)

	// ActiveSessions tracks live per-client server sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nostrmcp",
		Name:      "active_sessions",
		Help:      "Number of currently live per-client sessions.",
	})

	// SessionsEvictedTotal counts sessions closed by LRU eviction.
	SessionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nostrmcp",
		Name:      "sessions_evicted_total",
		Help:      "Total sessions evicted because the session store was full.",
	})

	// PaymentsTotal counts payment middleware outcomes.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nostrmcp",
			Name:      "payments_total",
			Help:      "Total payment flows by outcome (accepted, rejected, timeout, error).",
		},
		[]string{"outcome"},
	)

	// PaymentVerifyDuration observes how long settlement verification took.
	PaymentVerifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nostrmcp",
		Name:      "payment_verify_duration_seconds",
		Help:      "Time from payment_required to settlement verification in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	// PublishFailuresTotal counts publishes rejected by every relay.
	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nostrmcp",
		Name:      "publish_failures_total",
		Help:      "Total publishes that failed on all relays.",
	})
)

func init() {
	prometheus.MustRegister(
		EventsReceivedTotal,
		EventsPublishedTotal,
		DuplicatesSuppressedTotal,
		DecryptFailuresTotal,
		InvalidMessagesTotal,
		ActiveSessions,
		SessionsEvictedTotal,
		PaymentsTotal,
		PaymentVerifyDuration,
		PublishFailuresTotal,
	)
}

// Handler returns the Prometheus scrape handler for an optional /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
