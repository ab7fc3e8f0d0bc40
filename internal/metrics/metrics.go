package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlatformRequestsTotal counts outbound calls to the three platforms.
	PlatformRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_requests_total",
			Help: "Outbound platform requests by platform, method and status.",
		},
		[]string{"platform", "method", "status"},
	)

	// PlatformRequestDuration measures outbound call latency.
	PlatformRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_request_duration_seconds",
			Help:    "Duration of outbound platform requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms → ~10s
		},
		[]string{"platform", "method"},
	)

	// SyncUserTotal counts user provisioning attempts by outcome.
	SyncUserTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_user_total",
			Help: "User sync attempts by outcome and failed platform.",
		},
		[]string{"outcome", "failed_platform"},
	)

	// EventsHandledTotal counts inbound service events by type and result.
	EventsHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_events_handled_total",
			Help: "Service events handled by event type and result.",
		},
		[]string{"event_type", "result"},
	)

	// FanoutFailuresTotal counts individual target deliveries that failed.
	FanoutFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_fanout_failures_total",
			Help: "Failed event deliveries by target platform and event type.",
		},
		[]string{"target", "event_type"},
	)

	// PendingEvents tracks events currently being processed.
	PendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "service_events_pending",
			Help: "Service events currently in flight.",
		},
	)

	// PlatformHealth is 2 healthy, 1 degraded, 0 down.
	PlatformHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "platform_health_status",
			Help: "Latest probe verdict per platform (2 healthy, 1 degraded, 0 down).",
		},
		[]string{"platform"},
	)

	// SyncQueueFlushed counts queued syncs processed by the flush tick.
	SyncQueueFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_queue_flushed_total",
			Help: "Queued user syncs processed by the flush job, by result.",
		},
		[]string{"result"},
	)

	// NATSPublishErrors tracks NATS publish failures by subject.
	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "Number of NATS publish failures by subject.",
		},
		[]string{"subject"},
	)
)

// IncPlatformRequest increments the platform request counter.
func IncPlatformRequest(platform, method, status string) {
	PlatformRequestsTotal.WithLabelValues(platform, method, status).Inc()
}

// ObserveDuration records elapsed time since start into a HistogramVec or SummaryVec.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()
	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}

// IncNATSPublishError increments the NATS publish error counter for the given subject.
func IncNATSPublishError(subject string) {
	NATSPublishErrors.WithLabelValues(subject).Inc()
}
