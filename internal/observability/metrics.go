package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteRequestLatency records remote store latency by service and operation.
	RemoteRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smallsite_remote_request_latency_seconds",
		Help:    "Remote store request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "operation"})

	// RemoteErrors counts failed remote requests by service and operation.
	RemoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smallsite_remote_errors_total",
		Help: "Total number of failed remote store requests",
	}, []string{"service", "operation"})

	// StaleLoadsDiscarded counts view-model loads dropped because a newer load superseded them.
	StaleLoadsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smallsite_stale_loads_discarded_total",
		Help: "Total number of view-model loads discarded as stale",
	})

	// MutationsRejectedBusy counts writes refused because one of the same kind was in flight.
	MutationsRejectedBusy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smallsite_mutations_rejected_busy_total",
		Help: "Total number of mutations rejected while another of the same kind was in flight",
	}, []string{"kind"})

	// SessionTransitions counts identity transitions delivered to subscribers.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smallsite_session_transitions_total",
		Help: "Total number of identity transitions by auth event",
	}, []string{"event"})

	// ActiveVisitors is the gauge of visitor clients held by the server.
	ActiveVisitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smallsite_active_visitors",
		Help: "Number of visitor clients currently held in memory",
	})

	// SessionStorageErrors counts session persistence failures by backend.
	SessionStorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smallsite_session_storage_errors_total",
		Help: "Total number of session storage errors by backend and operation",
	}, []string{"backend", "operation"})

	// RedisCommandErrors counts failed Redis commands from any caller, sessions and rate limits alike.
	RedisCommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smallsite_redis_command_errors_total",
		Help: "Total number of failed Redis commands by command name",
	}, []string{"command"})
)

// TrackRemote returns a function that records latency, and an error when err is non-nil.
// Typical use: done := TrackRemote("rest", "select"); defer func() { done(err) }().
func TrackRemote(service, operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		RemoteRequestLatency.WithLabelValues(service, operation).Observe(time.Since(start).Seconds())
		if err != nil {
			RemoteErrors.WithLabelValues(service, operation).Inc()
		}
	}
}
