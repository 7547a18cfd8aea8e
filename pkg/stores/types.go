package stores

import (
	"context"
	"time"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// ExecutionStatus represents the status of a procedure execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// IsFinal reports whether the execution has ended.
func (s ExecutionStatus) IsFinal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusAborted
}

// Execution is one run of a procedure
type Execution struct {
	ID          string          `json:"id"`
	Procedure   string          `json:"procedure"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Metadata    string          `json:"metadata"` // JSON blob
}

// Operation is the history row of one controller Execute call
type Operation struct {
	ID          string              `json:"id"`
	ExecutionID string              `json:"execution_id"`
	Name        string              `json:"name"`
	Kind        string              `json:"kind"`
	Status      engine.NotifyStatus `json:"status"`
	Action      string              `json:"action"`
	Attempts    int                 `json:"attempts"`
	Error       *string             `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

// VerificationStep is the final state of one leaf of an evaluation
type VerificationStep struct {
	ID           int64     `json:"id"`
	EvaluationID string    `json:"evaluation_id"`
	ExecutionID  *string   `json:"execution_id,omitempty"`
	Position     int       `json:"position"`
	Parameter    string    `json:"parameter"`
	Symbol       string    `json:"symbol"`
	Expected     string    `json:"expected"`
	Value        string    `json:"value"`
	Status       string    `json:"status"`
	Annotation   string    `json:"annotation"`
	Reason       string    `json:"reason"`
	Fetches      int       `json:"fetches"`
	Error        *string   `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Notification is a persisted notification
type Notification struct {
	ID          string    `json:"id"`
	ExecutionID *string   `json:"execution_id,omitempty"`
	OperationID *string   `json:"operation_id,omitempty"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	Value       string    `json:"value"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason"`
	Data        *string   `json:"data,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}

// Store defines the interface for the execution history layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Execution operations
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	FinishExecution(ctx context.Context, id string, status ExecutionStatus, err *string) error
	ListExecutions(ctx context.Context, limit, offset int) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Operation history
	engine.OperationRecorder
	ListOperations(ctx context.Context, executionID string) ([]*Operation, error)

	// Verification history
	verify.StepRecorder
	ListSteps(ctx context.Context, executionID string) ([]*VerificationStep, error)

	// Notification log
	engine.NotificationSink
	AppendNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, executionID *string, kind *string, limit, offset int) ([]*Notification, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
