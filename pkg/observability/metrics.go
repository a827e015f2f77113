// Package observability exposes Prometheus collectors for the session,
// event-bus and health subsystems. The core never serves HTTP itself;
// embedders mount Handler() wherever their metrics endpoint lives.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	sessionsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_sessions_saved_total",
			Help: "Total number of successful session saves",
		},
	)

	sessionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_session_conflicts_total",
			Help: "Total number of optimistic-lock conflicts on save",
		},
	)

	sessionTrimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_session_trims_total",
			Help: "Total number of saves that trimmed the record to the size ceiling",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_sessions_expired_total",
			Help: "Total number of sessions transitioned to EXPIRED",
		},
	)

	// Event bus metrics
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"priority"},
	)

	eventsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_events_delivered_total",
			Help: "Total number of event deliveries to subscribers",
		},
	)

	eventsReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_events_replayed_total",
			Help: "Total number of events redelivered via replay",
		},
	)

	eventHandlerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_event_handler_errors_total",
			Help: "Total number of subscriber handler errors and panics",
		},
	)

	eventPropagationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcore_event_propagation_seconds",
			Help:    "In-process publish-to-delivery latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	// Health monitor metrics
	agentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_agent_state_transitions_total",
			Help: "Total number of agent health state transitions",
		},
		[]string{"state"},
	)

	agentRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_agent_recoveries_total",
			Help: "Total number of agent recovery attempts",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreatedTotal,
			sessionsSavedTotal,
			sessionConflictsTotal,
			sessionTrimsTotal,
			sessionsExpiredTotal,
			eventsPublishedTotal,
			eventsDeliveredTotal,
			eventsReplayedTotal,
			eventHandlerErrorsTotal,
			eventPropagationSeconds,
			agentTransitionsTotal,
			agentRecoveriesTotal,
		)
	})
}

// Handler returns the Prometheus scrape handler for embedders.
func Handler() http.Handler {
	InitMetrics()
	return promhttp.Handler()
}

// SessionCreated records a session creation.
func SessionCreated() { sessionsCreatedTotal.Inc() }

// SessionSaved records a successful save.
func SessionSaved() { sessionsSavedTotal.Inc() }

// SessionConflict records an optimistic-lock conflict.
func SessionConflict() { sessionConflictsTotal.Inc() }

// SessionTrimmed records a save that trimmed the record.
func SessionTrimmed() { sessionTrimsTotal.Inc() }

// SessionExpired records a TTL expiration.
func SessionExpired() { sessionsExpiredTotal.Inc() }

// EventPublished records a published event by priority.
func EventPublished(priority string) { eventsPublishedTotal.WithLabelValues(priority).Inc() }

// EventDelivered records n deliveries to live subscribers.
func EventDelivered(n int) { eventsDeliveredTotal.Add(float64(n)) }

// EventReplayed records n redeliveries via replay.
func EventReplayed(n int) { eventsReplayedTotal.Add(float64(n)) }

// EventHandlerError records a subscriber handler error or panic.
func EventHandlerError() { eventHandlerErrorsTotal.Inc() }

// EventPropagation records one publish-to-delivery latency sample.
func EventPropagation(d time.Duration) { eventPropagationSeconds.Observe(d.Seconds()) }

// AgentTransition records an agent health state transition.
func AgentTransition(state string) { agentTransitionsTotal.WithLabelValues(state).Inc() }

// AgentRecovery records a recovery attempt outcome ("recovered"/"failed").
func AgentRecovery(outcome string) { agentRecoveriesTotal.WithLabelValues(outcome).Inc() }
