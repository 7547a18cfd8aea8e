// Package observability wires logging, tracing, metrics and event fan-out
// for orbitloop processes.
//
// Logging uses zerolog. Components take a zerolog.Logger; Logger.Zerolog
// hands them one configured from LoggingConfig.
//
// Metrics implements engine.MetricsRecorder and verify.StepMetrics on top
// of a private Prometheus registry:
//
//	orbitloop_operations_total{kind,status}
//	orbitloop_operation_duration_seconds{kind}
//	orbitloop_operation_retries_total{kind,action}
//	orbitloop_action_resolutions_total{trigger,action,source}
//	orbitloop_verification_steps_total{status}
//	orbitloop_verification_step_duration_seconds{status}
//	orbitloop_telemetry_fetch_errors_total{code}
//	orbitloop_notifications_total{kind,status}
//	orbitloop_active_executions
//
// Tracer installs the global OpenTelemetry provider. The controller opens
// one span per Execute call and the evaluator one per leaf, so enabling
// tracing needs no further wiring.
//
// EventPublisher implements engine.NotificationSink and fans notifications
// out to any number of sinks, such as a terminal printer and a history
// store:
//
//	tel, err := observability.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.SubscribeSink(printer)
//	tel.Events.SubscribeSink(store)
//	ctrl := engine.NewController(exec, resolver, tel.Events,
//		engine.WithMetrics(tel.Metrics),
//		engine.WithLogger(tel.Logger.Zerolog()))
package observability
