package observability

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "async without buffer", mutate: func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"

	logger := NewLoggerTo(&buf, cfg).
		NewComponentLogger("controller").
		WithExecutionID("exec-1").
		WithOperation("verify X", "verify")
	logger.Info("Starting operation")

	out := buf.String()
	for _, want := range []string{`"component":"controller"`, `"execution_id":"exec-1"`, `"kind":"verify"`, `"message":"Starting operation"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}

	buf.Reset()
	cfg.Level = "warn"
	NewLoggerTo(&buf, cfg).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %s", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	logger := NewLoggerTo(io.Discard, DefaultConfig().Logging)
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("Expected a default logger")
	}
}

func TestMetricsRecorders(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordOperation("verify", engine.StatusSuccess, 20*time.Millisecond)
	m.RecordOperation("verify", engine.StatusSuccess, 30*time.Millisecond)
	m.RecordRetry("send", engine.ActionResend)
	m.RecordResolution(engine.TriggerFailure, engine.ActionRecheck, "policy")
	m.RecordStep("SUCCESS", time.Millisecond)
	m.RecordFetchError("")
	m.RecordFetchError(engine.ErrCodeTimeout)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("verify", "SUCCESS")); got != 2 {
		t.Errorf("Expected 2 operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("send", "RESEND")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("failure", "RECHECK", "policy")); got != 1 {
		t.Errorf("Expected 1 resolution, got %v", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("SUCCESS")); got != 1 {
		t.Errorf("Expected 1 step, got %v", got)
	}
	if got := testutil.ToFloat64(m.fetchErrors.WithLabelValues(engine.ErrCodeUnknown)); got != 1 {
		t.Errorf("Expected unlabelled fetch error counted as UNKNOWN, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "orbitloop_operations_total") {
		t.Error("Expected operations metric in handler output")
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordOperation("verify", engine.StatusSuccess, time.Second)
	m.RecordStep("FAILED", time.Second)
	m.ExecutionStarted()

	if m.Registry() != nil {
		t.Error("Disabled metrics must not have a registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Expected 404 from disabled handler, got %d", rec.Code)
	}
	if err := m.Serve(context.Background(), FromContext(context.Background()).Zerolog()); err != nil {
		t.Errorf("Serve on disabled metrics should return nil, got %v", err)
	}
}

// sinkFunc adapts a function to engine.NotificationSink.
type sinkFunc func(engine.Notification)

func (f sinkFunc) Publish(n engine.Notification) { f(n) }

func TestEventPublisher_Sinks(t *testing.T) {
	m, _ := NewMetrics(DefaultConfig().Metrics)
	ep, err := NewEventPublisher(DefaultConfig().Events, m, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var first, second []engine.Notification
	ep.SubscribeSink(sinkFunc(func(n engine.Notification) { first = append(first, n) }))
	ep.SubscribeSink(sinkFunc(func(n engine.Notification) { second = append(second, n) }))

	var levels []string
	ep.Subscribe(func(e Event) { levels = append(levels, e.Level) }, FilterByLevel(EventLevelWarning))

	ep.Publish(engine.Notification{ID: "n1", Kind: engine.NotifyOperation, Name: "send ON", Status: engine.StatusSuccess})
	ep.Publish(engine.Notification{ID: "n2", Kind: engine.NotifyOperation, Name: "send ON", Status: engine.StatusFailed})
	if err := ep.PublishExecutionStarted("exec-1", "power.star"); err != nil {
		t.Fatalf("Failed to publish event: %v", err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("Expected both sinks to see 2 notifications, got %d and %d", len(first), len(second))
	}
	if first[1].ID != "n2" {
		t.Errorf("Expected notifications in order, got %s", first[1].ID)
	}
	if len(levels) != 1 || levels[0] != EventLevelError {
		t.Errorf("Expected one error-level event, got %v", levels)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("operation", "FAILED")); got != 1 {
		t.Errorf("Expected 1 failed notification counted, got %v", got)
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = true
	cfg.BufferSize = 16
	cfg.MaxBatchSize = 4

	ep, err := NewEventPublisher(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.ExecutionID)
	}, FilterByExecutionID("exec-1"))

	for i := 0; i < 5; i++ {
		if err := ep.PublishExecutionStarted("exec-1", "p"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	_ = ep.PublishExecutionStarted("exec-2", "p")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Errorf("Expected 5 delivered events, got %d", len(got))
	}
}

func TestEventPublisher_AsyncOverflowIsReported(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = true
	cfg.BufferSize = 2
	cfg.MaxBatchSize = 1

	var logs bytes.Buffer
	m, _ := NewMetrics(DefaultConfig().Metrics)
	ep, err := NewEventPublisher(cfg, m, zerolog.New(&logs))
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	release := make(chan struct{})
	var delivered atomic.Int32
	ep.SubscribeSink(sinkFunc(func(n engine.Notification) {
		<-release
		delivered.Add(1)
	}))

	const published = 10
	for i := 0; i < published; i++ {
		ep.Publish(engine.Notification{Kind: engine.NotifyOperation, Name: "send ON", Status: engine.StatusWaiting})
	}

	dropped := ep.Dropped()
	if dropped < published-3 {
		t.Errorf("Expected at least %d dropped events, got %d", published-3, dropped)
	}
	if got := testutil.ToFloat64(m.droppedEvents.WithLabelValues("notification.operation")); got != float64(dropped) {
		t.Errorf("Expected %d dropped events counted, got %v", dropped, got)
	}
	if !strings.Contains(logs.String(), "event buffer full") {
		t.Errorf("Expected a log line for dropped events, got %q", logs.String())
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := uint64(delivered.Load()) + ep.Dropped(); got != published {
		t.Errorf("Expected delivered plus dropped to be %d, got %d", published, got)
	}

	ep.Publish(engine.Notification{Kind: engine.NotifyOperation, Name: "late", Status: engine.StatusSuccess})
	if ep.Dropped() != dropped+1 {
		t.Error("Expected a notification after shutdown to be counted as dropped")
	}
}

func TestEventPublisher_TerminalNotificationsWaitForSpace(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = true
	cfg.BufferSize = 1
	cfg.MaxBatchSize = 1
	cfg.BlockTimeout = 5 * time.Second

	ep, err := NewEventPublisher(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	release := make(chan struct{})
	var mu sync.Mutex
	var got []engine.NotifyStatus
	ep.SubscribeSink(sinkFunc(func(n engine.Notification) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n.Status)
	}))

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	terminal := []engine.NotifyStatus{engine.StatusSuccess, engine.StatusFailed, engine.StatusCancelled}
	for _, status := range terminal {
		ep.Publish(engine.Notification{Kind: engine.NotifyOperation, Name: "send ON", Status: status})
	}
	ep.Publish(engine.Notification{Kind: engine.NotifyReport, Name: "report", Status: engine.StatusWaiting})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if ep.Dropped() != 0 {
		t.Errorf("Expected no dropped notifications, got %d", ep.Dropped())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 4 {
		t.Errorf("Expected 4 delivered notifications, got %v", got)
	}
}

func TestSubscribeSink_FilterByType(t *testing.T) {
	ep, err := NewEventPublisher(DefaultConfig().Events, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var reports []string
	ep.SubscribeSink(sinkFunc(func(n engine.Notification) { reports = append(reports, n.Name) }),
		FilterByType(EventTypeNotificationPrefix+string(engine.NotifyReport)))

	ep.Publish(engine.Notification{Kind: engine.NotifyOperation, Name: "send ON", Status: engine.StatusSuccess})
	ep.Publish(engine.Notification{Kind: engine.NotifyReport, Name: "verify BATT_V", Status: engine.StatusSuccess})

	if len(reports) != 1 || reports[0] != "verify BATT_V" {
		t.Errorf("Expected only the report, got %v", reports)
	}
}

func TestExecutionScope(t *testing.T) {
	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events, metrics, zerolog.Nop())
	tel := &Telemetry{
		Logger:  NewLoggerTo(&logs, cfg.Logging),
		Tracer:  &Tracer{provider: provider, tracer: provider.Tracer("test"), config: cfg.Tracing},
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}

	ctx := StartExecution(tel.WithContext(context.Background()), "exec-1", "power.star")
	traceID := TraceID(ctx)
	if traceID == "" {
		t.Fatal("Expected a trace ID in the execution context")
	}
	failure := engine.NewAbortedError("operator interrupt", nil)
	EndExecution(ctx, "exec-1", "aborted", failure)

	out := logs.String()
	for _, want := range []string{`"trace_id":"` + traceID + `"`, `"message":"Execution started"`, `"message":"Execution failed"`, `"status":"aborted"`, `"procedure":"power.star"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["error.class"] != string(engine.ErrorClassAborted) || attrs["error.code"] != engine.ErrCodeAborted {
		t.Errorf("Expected error class and code on the span, got %v", attrs)
	}
}

// succeedingOp completes on its first attempt.
type succeedingOp struct{}

func (succeedingOp) Name() string { return "get X" }
func (succeedingOp) Kind() string { return "get" }
func (succeedingOp) Do(ctx context.Context) (engine.Outcome, error) {
	return engine.Outcome{Value: 42.0}, nil
}

func TestTelemetryDrivesController(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var seen []engine.Notification
	tel.Events.SubscribeSink(sinkFunc(func(n engine.Notification) { seen = append(seen, n) }))

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("Expected telemetry in context")
	}

	exec := engine.NewExecution(ctx)
	defer exec.Close()
	ctx = StartExecution(ctx, exec.ID, "test.star")

	ctrl := engine.NewController(exec, engine.NewResolver(), tel.Events,
		engine.WithMetrics(tel.Metrics),
		engine.WithLogger(tel.Logger.Zerolog()))

	if _, err := ctrl.Execute(ctx, succeedingOp{}, engine.DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	EndExecution(ctx, exec.ID, "SUCCESS", nil)

	if got := testutil.ToFloat64(tel.Metrics.operations.WithLabelValues("get", "SUCCESS")); got != 1 {
		t.Errorf("Expected 1 recorded operation, got %v", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.activeExecutions); got != 0 {
		t.Errorf("Expected no active executions, got %v", got)
	}
	if len(seen) < 2 {
		t.Fatalf("Expected start and completion notifications, got %d", len(seen))
	}
	if seen[len(seen)-1].Status != engine.StatusSuccess {
		t.Errorf("Expected final SUCCESS notification, got %s", seen[len(seen)-1].Status)
	}
}
