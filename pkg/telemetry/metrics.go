package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the strata engine.
type Metrics struct {
	config MetricsConfig

	// Traversal metrics
	traversalsStarted   *prometheus.CounterVec
	traversalsCompleted *prometheus.CounterVec
	traversalDuration   *prometheus.HistogramVec

	// Entity action metrics
	entityActions        *prometheus.CounterVec
	entityActionDuration *prometheus.HistogramVec

	// Sync point metrics
	syncPointCheckIns *prometheus.CounterVec
	syncPointFires    *prometheus.CounterVec

	// Concurrency metrics
	casConflicts *prometheus.CounterVec
	claims       *prometheus.CounterVec

	// Handler metrics
	handlerCalls    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Control event metrics
	controlEvents *prometheus.CounterVec

	// System metrics
	activeTraversals prometheus.Gauge
	inFlightActions  prometheus.Gauge
	entitiesManaged  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Traversal metrics
		traversalsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traversals_started_total",
				Help:      "Total number of traversals started",
			},
			[]string{"action"},
		),
		traversalsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traversals_completed_total",
				Help:      "Total number of traversals completed",
			},
			[]string{"status"},
		),
		traversalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "traversal_duration_seconds",
				Help:      "Duration of traversal execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Entity action metrics
		entityActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entity_actions_total",
				Help:      "Total number of entity actions by outcome",
			},
			[]string{"action", "outcome"},
		),
		entityActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "entity_action_duration_seconds",
				Help:      "Duration of entity action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "entity_type"},
		),

		// Sync point metrics
		syncPointCheckIns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncpoint_checkins_total",
				Help:      "Total number of sync point check-ins",
			},
			[]string{"direction"},
		),
		syncPointFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncpoint_fires_total",
				Help:      "Total number of sync points fired",
			},
			[]string{"direction"},
		),

		// Concurrency metrics
		casConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_conflicts_total",
				Help:      "Total number of lost compare-and-swap races",
			},
			[]string{"operation"},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entity_claims_total",
				Help:      "Total number of entity claim attempts by outcome",
			},
			[]string{"outcome"},
		),

		// Handler metrics
		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Total number of handler calls",
			},
			[]string{"entity_type", "operation"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_call_duration_seconds",
				Help:      "Duration of handler calls in seconds",
				Buckets:   buckets,
			},
			[]string{"entity_type", "operation"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of handler errors",
			},
			[]string{"entity_type", "operation"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// Control event metrics
		controlEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_events_total",
				Help:      "Total number of control events published",
			},
			[]string{"type"},
		),

		// System metrics
		activeTraversals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_traversals",
				Help:      "Current number of active traversals",
			},
		),
		inFlightActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_entity_actions",
				Help:      "Current number of entity actions in flight",
			},
		),
		entitiesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_managed",
				Help:      "Current number of managed entities",
			},
			[]string{"entity_type", "status"},
		),
	}

	registry.MustRegister(
		m.traversalsStarted,
		m.traversalsCompleted,
		m.traversalDuration,
		m.entityActions,
		m.entityActionDuration,
		m.syncPointCheckIns,
		m.syncPointFires,
		m.casConflicts,
		m.claims,
		m.handlerCalls,
		m.handlerDuration,
		m.handlerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.controlEvents,
		m.activeTraversals,
		m.inFlightActions,
		m.entitiesManaged,
	)

	return m, nil
}

// Traversal Metrics

// RecordTraversalStarted increments the counter for started traversals.
func (m *Metrics) RecordTraversalStarted(action string) {
	if m.traversalsStarted == nil {
		return
	}
	m.traversalsStarted.WithLabelValues(action).Inc()
	m.activeTraversals.Inc()
}

// RecordTraversalCompleted records a finished traversal with its status
// and duration.
func (m *Metrics) RecordTraversalCompleted(status string, duration time.Duration) {
	if m.traversalsCompleted == nil {
		return
	}
	m.traversalsCompleted.WithLabelValues(status).Inc()
	m.traversalDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeTraversals.Dec()
}

// Entity Action Metrics

// RecordEntityAction records the outcome of one dispatched entity action.
func (m *Metrics) RecordEntityAction(action, outcome, entityType string, duration time.Duration) {
	if m.entityActions == nil {
		return
	}
	m.entityActions.WithLabelValues(action, outcome).Inc()
	m.entityActionDuration.WithLabelValues(action, entityType).Observe(duration.Seconds())
}

// Sync Point Metrics

// RecordSyncPointCheckIn records one predecessor check-in.
func (m *Metrics) RecordSyncPointCheckIn(forward bool) {
	if m.syncPointCheckIns == nil {
		return
	}
	m.syncPointCheckIns.WithLabelValues(direction(forward)).Inc()
}

// RecordSyncPointFired records a fan-in barrier firing.
func (m *Metrics) RecordSyncPointFired(forward bool) {
	if m.syncPointFires == nil {
		return
	}
	m.syncPointFires.WithLabelValues(direction(forward)).Inc()
}

// Concurrency Metrics

// RecordCASConflict records a lost compare-and-swap race.
func (m *Metrics) RecordCASConflict(operation string) {
	if m.casConflicts == nil {
		return
	}
	m.casConflicts.WithLabelValues(operation).Inc()
}

// RecordClaim records an entity claim attempt ("won" or "lost").
func (m *Metrics) RecordClaim(outcome string) {
	if m.claims == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// Handler Metrics

// RecordHandlerCall records a handler call with its duration.
func (m *Metrics) RecordHandlerCall(entityType, operation string, duration time.Duration) {
	if m.handlerCalls == nil {
		return
	}
	m.handlerCalls.WithLabelValues(entityType, operation).Inc()
	m.handlerDuration.WithLabelValues(entityType, operation).Observe(duration.Seconds())
}

// RecordHandlerError records a handler error.
func (m *Metrics) RecordHandlerError(entityType, operation string) {
	if m.handlerErrors == nil {
		return
	}
	m.handlerErrors.WithLabelValues(entityType, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Control Event Metrics

// RecordControlEvent records a published control event by type.
func (m *Metrics) RecordControlEvent(eventType string) {
	if m.controlEvents == nil {
		return
	}
	m.controlEvents.WithLabelValues(eventType).Inc()
}

// System Metrics

// SetInFlightActions sets the current number of entity actions in flight.
func (m *Metrics) SetInFlightActions(count float64) {
	if m.inFlightActions == nil {
		return
	}
	m.inFlightActions.Set(count)
}

// SetEntityCount sets the current count of managed entities.
func (m *Metrics) SetEntityCount(entityType, status string, count float64) {
	if m.entitiesManaged == nil {
		return
	}
	m.entitiesManaged.WithLabelValues(entityType, status).Set(count)
}

func direction(forward bool) string {
	if forward {
		return "forward"
	}
	return "reverse"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
