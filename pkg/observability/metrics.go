package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Metrics exposes Prometheus metrics. It implements engine.MetricsRecorder
// and verify.StepMetrics. A disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	steps             *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	fetchErrors       *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	droppedEvents     *prometheus.CounterVec
	activeExecutions  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operations executed, by kind and final status",
			},
			[]string{"kind", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds, including retries",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of operation retries, by the action that caused them",
			},
			[]string{"kind", "action"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_resolutions_total",
				Help:      "Total number of resolved actions, by trigger and decision source",
			},
			[]string{"trigger", "action", "source"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_steps_total",
				Help:      "Total number of verification steps, by final status",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verification_step_duration_seconds",
				Help:      "Duration of verification steps in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telemetry_fetch_errors_total",
				Help:      "Total number of failed telemetry fetches, by error code",
			},
			[]string{"code"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifications published",
			},
			[]string{"kind", "status"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events not delivered to subscribers",
			},
			[]string{"type"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of running procedure executions",
			},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.retries,
		m.resolutions,
		m.steps,
		m.stepDuration,
		m.fetchErrors,
		m.notifications,
		m.droppedEvents,
		m.activeExecutions,
	)

	return m, nil
}

// RecordOperation implements engine.MetricsRecorder.
func (m *Metrics) RecordOperation(kind string, status engine.NotifyStatus, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(kind, string(status)).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRetry implements engine.MetricsRecorder.
func (m *Metrics) RecordRetry(kind string, action engine.ActionCode) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(kind, action.String()).Inc()
}

// RecordResolution implements engine.MetricsRecorder.
func (m *Metrics) RecordResolution(trigger engine.Trigger, action engine.ActionCode, source string) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(string(trigger), action.String(), source).Inc()
}

// RecordStep implements verify.StepMetrics.
func (m *Metrics) RecordStep(status string, duration time.Duration) {
	if m.steps == nil {
		return
	}
	m.steps.WithLabelValues(status).Inc()
	m.stepDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordFetchError implements verify.StepMetrics.
func (m *Metrics) RecordFetchError(code string) {
	if m.fetchErrors == nil {
		return
	}
	if code == "" {
		code = engine.ErrCodeUnknown
	}
	m.fetchErrors.WithLabelValues(code).Inc()
}

// RecordNotification counts a published notification.
func (m *Metrics) RecordNotification(kind engine.NotifyKind, status engine.NotifyStatus) {
	if m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(string(kind), string(status)).Inc()
}

// RecordDroppedEvent counts an event the publisher could not deliver.
func (m *Metrics) RecordDroppedEvent(eventType string) {
	if m.droppedEvents == nil {
		return
	}
	m.droppedEvents.WithLabelValues(eventType).Inc()
}

// ExecutionStarted increments the active executions gauge.
func (m *Metrics) ExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished decrements the active executions gauge.
func (m *Metrics) ExecutionFinished() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Dec()
}

// Registry returns the registry metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics endpoint on the configured address until ctx
// is done. It returns immediately when metrics are disabled or no address
// is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("address", m.config.ListenAddress).
		Str("path", m.config.Path).
		Msg("Serving metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
