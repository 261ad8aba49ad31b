// Package metrics provides Prometheus instrumentation for the mainthread
// control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mainthread_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mainthread_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Thread lifecycle metrics.
var (
	ThreadsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mainthread_threads_active",
		Help: "Number of non-archived threads by status.",
	}, []string{"status"})

	TurnsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mainthread_turns_running",
		Help: "Number of agent turns currently admitted and running.",
	})

	AdmissionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mainthread_admission_queue_depth",
		Help: "Number of turns waiting on the global admission semaphore.",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mainthread_turns_total",
		Help: "Total number of completed agent turns by terminal outcome.",
	}, []string{"outcome"}) // done (any normal completion), needs_attention, cancelled, timeout

	TurnRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mainthread_turn_retries_total",
		Help: "Total number of in-turn retries with session resumption.",
	})
)

// EventBus metrics.
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mainthread_events_published_total",
		Help: "Total number of events published per event type.",
	}, []string{"type"})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mainthread_subscribers_active",
		Help: "Number of live EventBus subscribers across all threads.",
	})

	SubscriberDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mainthread_subscriber_dropped_total",
		Help: "Total number of subscribers force-closed for a full buffer.",
	})
)

// NotificationScheduler and Watchdog metrics.
var (
	NotificationsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mainthread_notifications_queued",
		Help: "Total number of notifications currently queued across all parents.",
	})

	WatchdogRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mainthread_watchdog_recoveries_total",
		Help: "Total number of threads the watchdog marked needs-attention.",
	})

	HousekeeperTrimmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mainthread_housekeeper_events_trimmed_total",
		Help: "Total number of events removed by retention trimming.",
	})
)
