package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AlertsCreated counts alerts accepted by the coordinator, by category
var AlertsCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "codeblue_alerts_created_total",
		Help: "Total number of alerts created",
	},
	[]string{"category"},
)

// AlertsAcknowledged counts acknowledgment attempts, split by race outcome
var AlertsAcknowledged = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "codeblue_alerts_acknowledged_total",
		Help: "Total number of acknowledgment attempts by outcome (won/lost)",
	},
	[]string{"outcome"},
)

// AlertsEscalated counts tier advances, by destination tier
var AlertsEscalated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "codeblue_alerts_escalated_total",
		Help: "Total number of escalation tier advances",
	},
	[]string{"to_tier"},
)

// EscalationsExhausted counts alerts that ran out of tiers unacknowledged
var EscalationsExhausted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "codeblue_escalations_exhausted_total",
		Help: "Total number of alerts whose escalation chain was exhausted",
	},
)

// NotificationAttempts counts delivery attempts by channel and outcome
var NotificationAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "codeblue_notification_attempts_total",
		Help: "Total number of notification delivery attempts",
	},
	[]string{"channel", "outcome"},
)

// NotificationSendDuration records per-attempt transport latency
var NotificationSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "codeblue_notification_send_duration_seconds",
		Help:    "Time taken by transports to send one notification attempt",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"channel"},
)

// DirectoryLookupFailures counts directory resolutions degraded to zero recipients
var DirectoryLookupFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "codeblue_directory_lookup_failures_total",
		Help: "Total number of directory lookups that failed after retries",
	},
)

// ArmedDeadlines tracks deadlines currently held by the scheduler
var ArmedDeadlines = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "codeblue_armed_deadlines",
		Help: "Number of escalation deadlines currently armed",
	},
)

func init() {
	prometheus.MustRegister(AlertsCreated, AlertsAcknowledged, AlertsEscalated, EscalationsExhausted)
	prometheus.MustRegister(NotificationAttempts, NotificationSendDuration)
	prometheus.MustRegister(DirectoryLookupFailures, ArmedDeadlines)
}
