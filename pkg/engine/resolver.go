package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Resolution is the effect of a dispatched action on the controller loop.
type Resolution struct {
	// Retry asks the controller to run the operation again.
	Retry bool

	// Value is the operation value when the loop stops.
	Value any

	// Action is the dispatched action.
	Action ActionCode

	// Status is the notification status the action implies.
	Status NotifyStatus

	// Handled is set by the HANDLE action.
	Handled *HandledFailure

	// Message is a short description of what happened.
	Message string
}

// Resolver decides and dispatches the action taken when an operation fails
// or evaluates to a boolean.
type Resolver struct {
	prompt   PromptSink
	selector ActionSelector
	metrics  MetricsRecorder
	logger   zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPromptSink sets the sink used to ask the operator.
func WithPromptSink(p PromptSink) ResolverOption {
	return func(r *Resolver) { r.prompt = p }
}

// WithActionSelector sets the selector consulted when several actions are
// legal and the operator is not asked.
func WithActionSelector(s ActionSelector) ResolverOption {
	return func(r *Resolver) { r.selector = s }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithResolverMetrics sets the metrics recorder.
func WithResolverMetrics(m MetricsRecorder) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Implemented returns the actions op can carry out. ABORT, NOACTION and
// HANDLE need no hook.
func Implemented(op Operation) ActionCode {
	mask := ActionAbort | ActionNoAction | ActionHandle
	if _, ok := op.(Repeater); ok {
		mask |= ActionRepeat
	}
	if _, ok := op.(Resender); ok {
		mask |= ActionResend
	}
	if _, ok := op.(Rechecker); ok {
		mask |= ActionRecheck
	}
	if _, ok := op.(Skipper); ok {
		mask |= ActionSkip
	}
	if _, ok := op.(Canceller); ok {
		mask |= ActionCancel
	}
	return mask
}

// LegalActions intersects the policy mask with the actions op implements.
func (r *Resolver) LegalActions(op Operation, mask ActionCode) ActionCode {
	return mask & Implemented(op)
}

// ResolveFailure chooses and dispatches the action for a failed attempt.
func (r *Resolver) ResolveFailure(ctx context.Context, exec *Execution, op Operation, cause error, opts Options, attempt int) (Resolution, error) {
	legal := r.LegalActions(op, opts.OnFailure)
	in := SelectionInput{
		Operation:  op.Name(),
		Kind:       op.Kind(),
		Trigger:    TriggerFailure,
		ErrorClass: ClassOf(cause),
		ErrorCode:  CodeOf(cause),
		Attempt:    attempt,
		Legal:      legal.Names(),
	}
	message := fmt.Sprintf("%s failed: %v", op.Name(), cause)

	action, source, err := r.choose(ctx, exec, op, legal, opts.PromptUser && opts.PromptFailure, message, in)
	if err != nil {
		return Resolution{}, err
	}
	r.record(TriggerFailure, action, source)
	return r.Dispatch(ctx, exec, op, action, TriggerFailure, cause)
}

// ResolveCondition chooses and dispatches the action for a boolean outcome.
func (r *Resolver) ResolveCondition(ctx context.Context, exec *Execution, op Operation, value bool, opts Options, attempt int) (Resolution, error) {
	trigger, mask := TriggerFalse, opts.OnFalse
	if value {
		trigger, mask = TriggerTrue, opts.OnTrue
	}
	legal := r.LegalActions(op, mask)
	in := SelectionInput{
		Operation: op.Name(),
		Kind:      op.Kind(),
		Trigger:   trigger,
		Attempt:   attempt,
		Legal:     legal.Names(),
	}
	message := fmt.Sprintf("%s evaluated to %t", op.Name(), value)

	action, source, err := r.choose(ctx, exec, op, legal, opts.PromptUser, message, in)
	if err != nil {
		return Resolution{}, err
	}
	r.record(trigger, action, source)
	return r.Dispatch(ctx, exec, op, action, trigger, nil)
}

// Dispatch carries out action on op. Requesting an action op does not
// implement is an IllegalAction error.
func (r *Resolver) Dispatch(ctx context.Context, exec *Execution, op Operation, action ActionCode, trigger Trigger, cause error) (Resolution, error) {
	if _, single := action.Single(); !single || !Implemented(op).Has(action) {
		return Resolution{}, IllegalAction(action, op.Name())
	}

	if obs, ok := op.(ActionObserver); ok {
		obs.BeforeAction(ctx, action)
		defer obs.AfterAction(ctx, action)
	}

	r.logger.Debug().
		Str("operation", op.Name()).
		Str("action", action.String()).
		Str("trigger", string(trigger)).
		Msg("Dispatching action")

	res := Resolution{Action: action}
	switch action {
	case ActionAbort:
		exec.Abort(fmt.Sprintf("%s: abort requested", op.Name()))
		res.Value = false
		res.Status = StatusAborted
		res.Message = "Execution aborted"

	case ActionRepeat:
		if err := op.(Repeater).Repeat(ctx); err != nil {
			return Resolution{}, fmt.Errorf("repeat %s: %w", op.Name(), err)
		}
		res.Retry = true
		res.Status = StatusWaiting
		res.Message = "Repeating operation"

	case ActionResend:
		if err := op.(Resender).Resend(ctx); err != nil {
			return Resolution{}, fmt.Errorf("resend %s: %w", op.Name(), err)
		}
		res.Retry = true
		res.Status = StatusWaiting
		res.Message = "Resending command"

	case ActionRecheck:
		if err := op.(Rechecker).Recheck(ctx); err != nil {
			return Resolution{}, fmt.Errorf("recheck %s: %w", op.Name(), err)
		}
		res.Retry = true
		res.Status = StatusWaiting
		res.Message = "Rechecking verification"

	case ActionSkip:
		v, err := op.(Skipper).Skip(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("skip %s: %w", op.Name(), err)
		}
		res.Value = v
		res.Status = StatusSkipped
		res.Message = "Operation skipped"

	case ActionCancel:
		v, err := op.(Canceller).Cancel(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("cancel %s: %w", op.Name(), err)
		}
		res.Value = v
		res.Status = StatusCancelled
		res.Message = "Operation cancelled"

	case ActionNoAction:
		switch trigger {
		case TriggerFailure:
			res.Value = true
			res.Status = StatusSuccess
			res.Message = "Failure ignored"
		case TriggerTrue:
			res.Value = true
			res.Status = StatusSuccess
		default:
			res.Value = false
			res.Status = StatusFailed
		}

	case ActionHandle:
		res.Handled = handledFailure(op, trigger, cause)
		res.Status = StatusHandled
		res.Message = "Failure handed to procedure"
	}
	return res, nil
}

func handledFailure(op Operation, trigger Trigger, cause error) *HandledFailure {
	hf := &HandledFailure{Kind: op.Kind(), Code: CodeOf(cause)}
	if cause != nil {
		hf.Message = cause.Error()
		var e *EngineError
		if errors.As(cause, &e) {
			hf.Item = e.Item
		}
	}
	if hf.Code == "" {
		if trigger == TriggerFailure {
			hf.Code = ErrCodeUnknown
		} else {
			hf.Code = ErrCodeVerificationFailed
			hf.Message = fmt.Sprintf("%s evaluated to %s", op.Name(), trigger)
		}
	}
	if d, ok := op.(FailureDescriber); ok && hf.Item == "" {
		hf.Item = d.FailureItem()
	}
	return hf
}

// choose returns the action to dispatch and where the decision came from.
func (r *Resolver) choose(ctx context.Context, exec *Execution, op Operation, legal ActionCode, prompt bool, message string, in SelectionInput) (ActionCode, string, error) {
	if legal == ActionNone {
		return ActionNone, "", NewSyntaxError("no legal action available", nil).
			WithCode(ErrCodeNoLegalAction).
			WithOperation(op.Name())
	}

	if prompt && r.prompt != nil {
		action, err := r.ask(ctx, exec, op, legal, message)
		return action, "operator", err
	}

	if single, ok := legal.Single(); ok {
		return single, "single", nil
	}

	if r.selector != nil {
		action, err := r.selector.SelectAction(ctx, in)
		if err != nil {
			return ActionNone, "", fmt.Errorf("select action for %s: %w", op.Name(), err)
		}
		if single, ok := action.Single(); ok && legal.Has(single) {
			return single, "policy", nil
		}
		r.logger.Warn().
			Str("operation", op.Name()).
			Str("selected", action.String()).
			Str("legal", legal.String()).
			Msg("Action selector returned an action outside the legal set")
	}

	return ActionNone, "", NewOperationError(fmt.Sprintf("cannot choose among %s without operator", legal), nil).
		WithCode(ErrCodeUnresolvedAction).
		WithOperation(op.Name())
}

// maxPromptAttempts bounds how often an operator is asked again after an
// answer that is not one of the offered keys.
const maxPromptAttempts = 3

func (r *Resolver) ask(ctx context.Context, exec *Execution, op Operation, legal ActionCode, message string) (ActionCode, error) {
	codes := legal.Codes()
	options := make([]string, 0, len(codes))
	for _, c := range codes {
		options = append(options, fmt.Sprintf("%s: %s", c.Key(), c.Label()))
	}

	req := PromptRequest{
		ExecutionID: exec.ID,
		Operation:   op.Name(),
		Message:     message,
		Options:     options,
	}
	var answer string
	for attempt := 1; ; attempt++ {
		raw, err := r.prompt.Prompt(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ActionNone, NewAbortedError("prompt interrupted", err).WithOperation(op.Name())
			}
			return ActionNone, fmt.Errorf("prompt operator: %w", err)
		}

		answer = strings.TrimSpace(raw)
		if answer == "" || answer == CancelAnswer {
			return ActionAbort, nil
		}
		if key, _, found := strings.Cut(answer, ":"); found {
			answer = key
		}
		if action, ok := ActionForKey(legal, answer); ok {
			return action, nil
		}
		if attempt == maxPromptAttempts {
			break
		}

		r.logger.Warn().
			Str("operation", op.Name()).
			Str("answer", answer).
			Int("attempt", attempt).
			Msg("Operator answer is not an offered action")
		req.Message = fmt.Sprintf("%q is not one of the offered actions.\n%s", answer, message)
	}

	return ActionNone, NewSyntaxError(fmt.Sprintf("answer %q is not one of the offered actions", answer), nil).
		WithCode(ErrCodeIllegalAction).
		WithOperation(op.Name())
}

func (r *Resolver) record(trigger Trigger, action ActionCode, source string) {
	if r.metrics != nil {
		r.metrics.RecordResolution(trigger, action, source)
	}
}
