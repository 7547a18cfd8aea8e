package engine

import (
	"context"
	"time"
)

// TelemetrySource resolves and reads telemetry items.
type TelemetrySource interface {
	// Resolve maps an item name to a handle. Unknown names are syntax errors.
	Resolve(ctx context.Context, name string) (ItemHandle, error)

	// Fetch reads the item. When req.Wait is set it blocks for the next
	// sample, bounded by req.Timeout; a timeout is a data error.
	Fetch(ctx context.Context, h ItemHandle, req FetchRequest) (Sample, error)
}

// CommandSender sends telecommands to the ground system.
type CommandSender interface {
	Send(ctx context.Context, cmd Command) error
}

// NotificationSink receives progress notifications. Publish must not block.
type NotificationSink interface {
	Publish(n Notification)
}

// PromptSink asks the operator a question and returns the answer.
// An empty answer or CancelAnswer means the prompt was dismissed.
type PromptSink interface {
	Prompt(ctx context.Context, p PromptRequest) (string, error)
}

// ActionSelector picks an action among several legal ones without operator
// involvement.
type ActionSelector interface {
	SelectAction(ctx context.Context, in SelectionInput) (ActionCode, error)
}

// Operation is a fallible unit of work run by the controller.
type Operation interface {
	// Name identifies the operation in notifications and logs.
	Name() string

	// Kind is the operation category, e.g. "verify" or "send".
	Kind() string

	// Do performs one attempt.
	Do(ctx context.Context) (Outcome, error)
}

// Repeater is implemented by operations supporting REPEAT.
type Repeater interface {
	Repeat(ctx context.Context) error
}

// Resender is implemented by operations supporting RESEND.
type Resender interface {
	Resend(ctx context.Context) error
}

// Rechecker is implemented by operations supporting RECHECK.
type Rechecker interface {
	Recheck(ctx context.Context) error
}

// Skipper is implemented by operations supporting SKIP.
type Skipper interface {
	Skip(ctx context.Context) (any, error)
}

// Canceller is implemented by operations supporting CANCEL.
type Canceller interface {
	Cancel(ctx context.Context) (any, error)
}

// ActionObserver is implemented by operations that want to run code around
// action dispatch.
type ActionObserver interface {
	BeforeAction(ctx context.Context, action ActionCode)
	AfterAction(ctx context.Context, action ActionCode)
}

// FailureDescriber is implemented by operations that can describe their last
// failure for the HANDLE action.
type FailureDescriber interface {
	FailureItem() string
}

// OperationRecorder persists operation history.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, rec OperationRecord) error
}

// MetricsRecorder receives controller and resolver measurements.
type MetricsRecorder interface {
	RecordOperation(kind string, status NotifyStatus, duration time.Duration)
	RecordRetry(kind string, action ActionCode)
	RecordResolution(trigger Trigger, action ActionCode, source string)
}

// nopSink discards notifications.
type nopSink struct{}

func (nopSink) Publish(Notification) {}

// NopSink returns a NotificationSink that discards everything.
func NopSink() NotificationSink { return nopSink{} }
