package verify

import (
	"time"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// StepStatus is the status of one verification leaf.
type StepStatus string

const (
	StatusUninit     StepStatus = "UNINIT"
	StatusInProgress StepStatus = "IN_PROGRESS"
	StatusSuccess    StepStatus = "SUCCESS"
	StatusFailed     StepStatus = "FAILED"
	StatusSuperseded StepStatus = "SUPERSEDED"
)

// IsTerminal reports whether no further transition is allowed.
func (s StepStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSuperseded
}

// rank orders statuses so transitions only move forward.
func (s StepStatus) rank() int {
	switch s {
	case StatusUninit:
		return 0
	case StatusInProgress:
		return 1
	}
	return 2
}

// Step is the progress record of one verification leaf.
type Step struct {
	ID      int
	Name    string
	Value   string
	Status  StepStatus
	Failed  bool
	Stopped bool
	Err     error
	Reason  string
	Fetches int
	Updated time.Time
}

// notification renders the step for the notification sink.
func (s Step) notification(executionID string) engine.Notification {
	return engine.Notification{
		ExecutionID: executionID,
		Kind:        engine.NotifyVerification,
		Name:        s.Name,
		Value:       s.Value,
		Status:      engine.NotifyStatus(s.Status),
		Reason:      s.Reason,
		Time:        s.Updated,
		Data:        map[string]any{"step": s.ID, "stopped": s.Stopped},
	}
}
