// Package stores persists execution history for orbitloop.
// It includes a SQLite store with WAL mode and embedded migrations that
// records executions, operation outcomes, verification steps and the
// notification log.
//
// SQLiteStore implements engine.OperationRecorder, verify.StepRecorder and
// engine.NotificationSink, so it plugs straight into a controller and an
// evaluator. History written for an unknown execution creates a running
// placeholder row for it.
package stores
