package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metering"

var (
	// WebhookEventsTotal counts processor events by type and outcome (processed, duplicate, ignored, failed).
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Total processor webhook events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Processor webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// MeterCallsTotal counts metering calls by outcome.
	MeterCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "meter_calls_total",
		Help:      "Total metering calls by outcome.",
	}, []string{"outcome"})

	// MeteredUnitsTotal counts accepted units.
	MeteredUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "metered_units_total",
		Help:      "Total units accepted into usage ledgers.",
	})

	// AlertsFiredTotal counts usage and billing alerts handed to the dispatcher.
	AlertsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "alerts_fired_total",
		Help:      "Alerts claimed and dispatched by alert type.",
	}, []string{"alert_type"})

	// NotificationFailuresTotal counts notifications that could not be dispatched or delivered.
	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "failures_total",
		Help:      "Notifications that failed by stage (dispatch, deliver).",
	}, []string{"stage"})

	// EventsPurgedTotal counts lifecycle events removed by retention.
	EventsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "event",
		Name:      "purged_total",
		Help:      "Lifecycle events removed by the retention job.",
	})
)
