package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events, metrics, logger.Zerolog())
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

type executionSpanKey struct{}

type executionStartKey struct{}

// StartExecution opens the span, log fields, gauge and event of a procedure
// execution. The returned context carries them to EndExecution.
func StartExecution(ctx context.Context, executionID, procedure string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartExecutionSpan(ctx, executionID, procedure)
	logger := tel.Logger.WithExecutionID(executionID).WithField("procedure", procedure)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	spanCtx = logger.WithContext(spanCtx)
	logger.Info("Execution started")

	tel.Metrics.ExecutionStarted()
	_ = tel.Events.PublishExecutionStarted(executionID, procedure)

	spanCtx = context.WithValue(spanCtx, executionSpanKey{}, span)
	return context.WithValue(spanCtx, executionStartKey{}, time.Now())
}

// EndExecution completes what StartExecution opened.
func EndExecution(ctx context.Context, executionID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(executionSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if started, ok := ctx.Value(executionStartKey{}).(time.Time); ok {
		duration = time.Since(started)
	}

	logger := FromContext(ctx).WithField("status", status).WithField("duration", duration.String())
	if err != nil {
		logger.WithError(err).Error("Execution failed")
	} else {
		logger.Info("Execution finished")
	}

	// spans of a finished execution are exported before the next one starts
	if ferr := tel.Tracer.ForceFlush(context.WithoutCancel(ctx)); ferr != nil {
		logger.WithError(ferr).Warn("Failed to flush execution spans")
	}

	tel.Metrics.ExecutionFinished()
	if err != nil {
		_ = tel.Events.PublishExecutionFailed(executionID, err.Error())
	} else {
		_ = tel.Events.PublishExecutionCompleted(executionID, status, duration)
	}
}
