// Package operations provides the closed-loop operations procedures use:
// telemetry verification, telecommand sends and telemetry reads. Each type
// implements engine.Operation plus the action hooks it supports.
//
//	Verify  RECHECK SKIP CANCEL
//	Send    RESEND  SKIP CANCEL
//	Get     REPEAT  SKIP CANCEL
package operations
