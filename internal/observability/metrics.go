// Package observability exposes Prometheus metrics for the session write path.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_service",
		Subsystem: "sessions",
		Name:      "started_total",
		Help:      "Number of watch sessions accepted and created.",
	})
	sessionsEndedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_service",
		Subsystem: "sessions",
		Name:      "ended_total",
		Help:      "Number of terminal session transitions, labeled by stop reason.",
	}, []string{"stop_reason"})
	limitDeniedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_service",
		Subsystem: "sessions",
		Name:      "limit_denials_total",
		Help:      "Number of starts and heartbeats denied by the daily limit.",
	})
	ledgerMinutesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_service",
		Subsystem: "ledger",
		Name:      "minutes_committed_total",
		Help:      "Total minutes committed to the daily usage ledger.",
	})
	staleReclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_service",
		Subsystem: "sessions",
		Name:      "stale_reclaimed_total",
		Help:      "Number of sessions reclaimed after missed heartbeats.",
	})
)

func init() {
	prometheus.MustRegister(sessionsStartedCounter, sessionsEndedCounter, limitDeniedCounter, ledgerMinutesCounter, staleReclaimedCounter)
}

// RecordSessionStarted counts an accepted session.
func RecordSessionStarted() {
	sessionsStartedCounter.Inc()
}

// RecordSessionEnded counts a terminal transition and the minutes it charged.
func RecordSessionEnded(stopReason string, minutes int) {
	sessionsEndedCounter.WithLabelValues(stopReason).Inc()
	if minutes > 0 {
		ledgerMinutesCounter.Add(float64(minutes))
	}
	if stopReason == "stale" {
		staleReclaimedCounter.Inc()
	}
}

// RecordLimitDenied counts a daily-limit denial.
func RecordLimitDenied() {
	limitDeniedCounter.Inc()
}
