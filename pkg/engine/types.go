package engine

import (
	"time"
)

// ValueFormat selects raw or engineering values when reading telemetry.
type ValueFormat string

const (
	// FormatRaw requests the raw (uncalibrated) value.
	FormatRaw ValueFormat = "RAW"
	// FormatEng requests the engineering (calibrated) value.
	FormatEng ValueFormat = "ENG"
)

// Options is the immutable option snapshot an operation runs with. It is
// produced by resolving configuration layers and is never mutated while an
// operation is in flight.
type Options struct {
	// OnFailure is the mask of actions legal when the operation fails.
	OnFailure ActionCode `json:"on_failure"`

	// OnTrue is the mask of actions legal when the operation evaluates to true.
	OnTrue ActionCode `json:"on_true"`

	// OnFalse is the mask of actions legal when the operation evaluates to false.
	OnFalse ActionCode `json:"on_false"`

	// HandleError routes errors through the resolver. When false, errors
	// propagate verbatim.
	HandleError bool `json:"handle_error"`

	// PromptUser allows asking the operator to choose an action.
	PromptUser bool `json:"prompt_user"`

	// PromptFailure allows prompting on failures (in addition to PromptUser).
	PromptFailure bool `json:"prompt_failure"`

	// GiveChoice returns the chosen action alongside the value.
	GiveChoice bool `json:"give_choice"`

	// Notify enables operation-level notifications.
	Notify bool `json:"notify"`

	// Retries is the number of re-fetches after the first one.
	Retries int `json:"retries" validate:"gte=0"`

	// Tolerance is the absolute tolerance for numeric comparisons.
	Tolerance float64 `json:"tolerance" validate:"gte=0"`

	// IgnoreCase makes string comparisons case-insensitive.
	IgnoreCase bool `json:"ignore_case"`

	// Strict makes between bounds exclusive.
	Strict bool `json:"strict"`

	// Wait makes the first fetch block for a fresh sample.
	Wait bool `json:"wait"`

	// Timeout bounds each blocking fetch.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`

	// ValueFormat selects raw or engineering values.
	ValueFormat ValueFormat `json:"value_format" validate:"oneof=RAW ENG"`
}

// DefaultOptions returns the built-in option defaults.
func DefaultOptions() Options {
	return Options{
		OnFailure:     ActionAbort | ActionRepeat | ActionResend | ActionRecheck | ActionSkip | ActionCancel,
		OnTrue:        ActionNoAction,
		OnFalse:       ActionNoAction,
		HandleError:   true,
		PromptUser:    true,
		PromptFailure: true,
		Notify:        true,
		Retries:       2,
		Timeout:       10 * time.Second,
		ValueFormat:   FormatEng,
	}
}

// Outcome is what a single invocation of an operation produced.
type Outcome struct {
	// Repeat asks the controller to invoke the operation again.
	Repeat bool

	// Value is the result value of the invocation.
	Value any

	// NotifyStatus overrides the terminal notification status.
	NotifyStatus NotifyStatus

	// NotifyMessage overrides the notification message.
	NotifyMessage string
}

// Truther is implemented by values that carry a boolean verdict alongside
// other data.
type Truther interface {
	Truth() bool
}

// ResultKind tags the variant held by a Result.
type ResultKind int

const (
	// ResultOK carries a plain value.
	ResultOK ResultKind = iota
	// ResultHandled carries a failure handed back to the procedure.
	ResultHandled
)

// String returns the kind name.
func (k ResultKind) String() string {
	if k == ResultHandled {
		return "handled"
	}
	return "ok"
}

// Result is the terminal result of a closed-loop operation.
type Result struct {
	// Kind tags the variant.
	Kind ResultKind

	// Value is the operation value for ResultOK.
	Value any

	// Action is the action chosen during resolution, if any.
	Action ActionCode

	// Handled describes the failure for ResultHandled.
	Handled *HandledFailure

	// Attempts is the number of times the operation was invoked.
	Attempts int
}

// Pair returns the value together with the chosen action.
func (r Result) Pair() (any, ActionCode) {
	return r.Value, r.Action
}

// Bool reports the boolean verdict of the value. Handled results are false.
func (r Result) Bool() bool {
	if r.Kind == ResultHandled {
		return false
	}
	return Truth(r.Value)
}

// Truth returns the boolean verdict of v: bools as-is, Truthers through
// Truth, nil as false and anything else as true.
func Truth(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case Truther:
		return t.Truth()
	default:
		return true
	}
}

// NotifyStatus is the status carried by a notification.
type NotifyStatus string

const (
	StatusInProgress NotifyStatus = "IN_PROGRESS"
	StatusWaiting    NotifyStatus = "WAITING"
	StatusSuccess    NotifyStatus = "SUCCESS"
	StatusFailed     NotifyStatus = "FAILED"
	StatusSkipped    NotifyStatus = "SKIPPED"
	StatusCancelled  NotifyStatus = "CANCELLED"
	StatusHandled    NotifyStatus = "HANDLED"
	StatusAborted    NotifyStatus = "ABORTED"
	StatusSuperseded NotifyStatus = "SUPERSEDED"
	StatusUninit     NotifyStatus = "UNINIT"
)

// IsTerminal reports whether the status ends an operation.
func (s NotifyStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusCancelled,
		StatusHandled, StatusAborted, StatusSuperseded:
		return true
	}
	return false
}

// NotifyKind identifies what a notification is about.
type NotifyKind string

const (
	NotifyOperation    NotifyKind = "operation"
	NotifyVerification NotifyKind = "verification"
	NotifyReport       NotifyKind = "report"
	NotifyPrompt       NotifyKind = "prompt"
)

// Notification is a progress or status update sent to the notification sink.
type Notification struct {
	// ID uniquely identifies the notification.
	ID string `json:"id"`

	// ExecutionID identifies the execution the notification belongs to.
	ExecutionID string `json:"execution_id"`

	// OperationID identifies the operation, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Kind is what the notification is about.
	Kind NotifyKind `json:"kind"`

	// Name is the operation or parameter name.
	Name string `json:"name"`

	// Value is the value being reported, rendered as text.
	Value string `json:"value,omitempty"`

	// Status is the reported status.
	Status NotifyStatus `json:"status"`

	// Reason is a short human-readable explanation.
	Reason string `json:"reason,omitempty"`

	// Time is when the notification was produced.
	Time time.Time `json:"time"`

	// Data carries kind-specific payload, e.g. report lines.
	Data map[string]any `json:"data,omitempty"`
}

// ItemHandle is a resolved telemetry item.
type ItemHandle struct {
	// Name is the item name.
	Name string

	// Interface is the ground-system interface serving the item.
	Interface string

	// Ref is driver-specific state.
	Ref any
}

// FetchRequest parameterizes a telemetry fetch.
type FetchRequest struct {
	// Wait blocks until the next fresh sample.
	Wait bool

	// Timeout bounds the wait.
	Timeout time.Duration

	// Format selects raw or engineering values.
	Format ValueFormat
}

// Sample is a single telemetry value.
type Sample struct {
	Value any
	Valid bool
	Time  time.Time
}

// Command is a telecommand to send.
type Command struct {
	// Name is the command mnemonic.
	Name string

	// Args holds the command arguments.
	Args map[string]any

	// Interface is the ground-system interface to send through, if any.
	Interface string
}

// PromptRequest is a question put to the operator.
type PromptRequest struct {
	// ExecutionID identifies the execution asking.
	ExecutionID string

	// Operation is the name of the operation asking.
	Operation string

	// Message is the question text.
	Message string

	// Options are rendered as "<KEY>: <Label>".
	Options []string
}

// CancelAnswer is the prompt answer meaning the operator dismissed the prompt.
const CancelAnswer = "<CANCEL>"

// Trigger identifies why the resolver was invoked.
type Trigger string

const (
	TriggerFailure Trigger = "failure"
	TriggerTrue    Trigger = "true"
	TriggerFalse   Trigger = "false"
)

// SelectionInput is handed to an ActionSelector when more than one action is
// legal and the operator is not asked.
type SelectionInput struct {
	Operation  string     `json:"operation"`
	Kind       string     `json:"kind"`
	Trigger    Trigger    `json:"trigger"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Attempt    int        `json:"attempt"`
	Legal      []string   `json:"legal"`
}

// OperationRecord is the history entry written for every Execute call.
type OperationRecord struct {
	ID          string
	ExecutionID string
	Name        string
	Kind        string
	Status      NotifyStatus
	Action      ActionCode
	Attempts    int
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}
