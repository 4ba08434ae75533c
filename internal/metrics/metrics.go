// Package metrics registers the Prometheus collectors for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Intent metrics
	IntentsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qs_intents_scheduled_total",
		Help: "Total number of intents accepted for scheduling",
	})

	IntentsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_intents_dispatched_total",
		Help: "Total dispatch outcomes by result",
	}, []string{"result"})

	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qs_dispatch_duration_seconds",
		Help:    "Time from job pickup to provider acknowledgement",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Job runtime metrics
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_jobs_enqueued_total",
		Help: "Total jobs enqueued by kind",
	}, []string{"kind"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_jobs_completed_total",
		Help: "Total jobs finished by kind and outcome",
	}, []string{"kind", "outcome"})

	JobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_job_queue_depth",
		Help: "Current number of pending jobs",
	})

	// Rate limit metrics
	RateLimitUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_rate_limit_sent_today",
		Help: "Messages counted against the current IST day window",
	})

	RateLimitCap = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_rate_limit_daily_cap",
		Help: "Configured daily send cap",
	})

	// Socket metrics
	SocketState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_socket_state",
		Help: "Chat socket state (0=disconnected, 1=pairing, 2=connecting, 3=connected)",
	})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_socket_reconnects_total",
		Help: "Reconnect attempts by disconnect policy class",
	}, []string{"policy"})

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_events_published_total",
		Help: "Total events published by type",
	}, []string{"type"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qs_events_dropped_total",
		Help: "Total events dropped because a subscriber buffer was full",
	})

	BusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_bus_subscribers",
		Help: "Current number of event bus subscribers",
	})

	// Event stream (WebSocket surface) metrics
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_stream_clients",
		Help: "Current number of connected event-stream clients",
	})

	StreamDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qs_stream_disconnects_total",
		Help: "Event-stream disconnects by reason",
	}, []string{"reason"})

	// System metrics
	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_memory_bytes",
		Help: "Current process RSS in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qs_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Retention metrics
	IntentsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qs_intents_swept_total",
		Help: "Total terminal intents removed by the retention sweeper",
	})
)

func init() {
	prometheus.MustRegister(IntentsScheduled)
	prometheus.MustRegister(IntentsDispatched)
	prometheus.MustRegister(DispatchDuration)

	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobQueueDepth)

	prometheus.MustRegister(RateLimitUsage)
	prometheus.MustRegister(RateLimitCap)

	prometheus.MustRegister(SocketState)
	prometheus.MustRegister(Reconnects)

	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(BusSubscribers)

	prometheus.MustRegister(StreamClients)
	prometheus.MustRegister(StreamDisconnects)

	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(GoroutinesActive)

	prometheus.MustRegister(IntentsSwept)
}

// Dispatch outcome labels.
const (
	ResultSent      = "sent"
	ResultFailed    = "failed"
	ResultCapped    = "capped"
	ResultCancelled = "cancelled"
	ResultRetried   = "retried"
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSocketState maps a connection state name to the state gauge.
func SetSocketState(state string) {
	var v float64
	switch state {
	case "pairing":
		v = 1
	case "connecting":
		v = 2
	case "connected":
		v = 3
	}
	SocketState.Set(v)
}
