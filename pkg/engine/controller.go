package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const instrumentationName = "github.com/orbitloop/orbitloop/pkg/engine"

// Controller runs operations in a closed loop: it retries, resolves failures
// and boolean outcomes through the Resolver, and reports progress to the
// notification sink.
type Controller struct {
	exec     *Execution
	resolver *Resolver
	sink     NotificationSink
	metrics  MetricsRecorder
	recorder OperationRecorder
	logger   zerolog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithRecorder sets the operation history recorder.
func WithRecorder(r OperationRecorder) ControllerOption {
	return func(c *Controller) { c.recorder = r }
}

// NewController creates a controller for exec. A nil resolver gets a default
// one that never prompts; a nil sink discards notifications.
func NewController(exec *Execution, resolver *Resolver, sink NotificationSink, opts ...ControllerOption) *Controller {
	if resolver == nil {
		resolver = NewResolver()
	}
	if sink == nil {
		sink = NopSink()
	}
	c := &Controller{
		exec:     exec,
		resolver: resolver,
		sink:     sink,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execution returns the execution the controller belongs to.
func (c *Controller) Execution() *Execution {
	return c.exec
}

// Sink returns the notification sink.
func (c *Controller) Sink() NotificationSink {
	return c.sink
}

// run tracks one Execute call.
type run struct {
	c        *Controller
	op       Operation
	opts     Options
	id       string
	started  time.Time
	attempts int
	action   ActionCode
}

// Execute runs op until it completes, is resolved, or the execution stops.
// Syntax errors always propagate; other errors are resolved unless
// opts.HandleError is false.
func (c *Controller) Execute(ctx context.Context, op Operation, opts Options) (Result, error) {
	if op == nil {
		return Result{}, NewSyntaxError("operation is nil", nil).WithCode(ErrCodeArguments)
	}

	ctx, cancel := c.exec.Bind(ctx)
	defer cancel()

	r := &run{c: c, op: op, opts: opts, id: uuid.New().String(), started: time.Now()}
	logger := c.logger.With().
		Str("operation_id", r.id).
		Str("operation", op.Name()).
		Str("kind", op.Kind()).
		Logger()

	// A stopped execution still gets its terminal notification.
	if err := c.exec.acquire(ctx); err != nil {
		logger.Warn().Err(err).Msg("Operation not started")
		r.notify(StatusCancelled, err.Error(), nil)
		r.finish(ctx, StatusCancelled, err, logger)
		return Result{}, err
	}
	defer c.exec.release()

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "operation."+op.Kind())
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.name", op.Name()),
		attribute.String("execution.id", c.exec.ID),
	)
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With().Str("trace_id", sc.TraceID().String()).Logger()
	}

	logger.Debug().Msg("Starting operation")
	r.notify(StatusInProgress, fmt.Sprintf("Executing %s", op.Name()), nil)

	res, status, message, err := r.loop(ctx, logger)
	res.Attempts = r.attempts
	res.Action = r.action

	if err != nil {
		status = StatusFailed
		if IsAborted(err) {
			status = StatusCancelled
		}
		message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Int("attempts", r.attempts).Msg("Operation failed")
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info().
			Str("status", string(status)).
			Int("attempts", r.attempts).
			Dur("duration", time.Since(r.started)).
			Msg("Operation completed")
	}
	span.SetAttributes(
		attribute.String("operation.status", string(status)),
		attribute.Int("operation.attempts", r.attempts),
	)

	r.notify(status, message, res.Value)
	r.finish(ctx, status, err, logger)

	if !opts.GiveChoice {
		res.Action = ActionNone
	}
	return res, err
}

// loop returns the result, the terminal status and message, or an error.
func (r *run) loop(ctx context.Context, logger zerolog.Logger) (Result, NotifyStatus, string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, "", "", NewAbortedError("execution stopped", context.Cause(ctx)).WithOperation(r.op.Name())
		}

		r.attempts++
		out, err := r.op.Do(ctx)
		if err != nil {
			if ctx.Err() != nil && !IsSyntax(err) {
				return Result{}, "", "", NewAbortedError("execution stopped", err).WithOperation(r.op.Name())
			}
			if IsSyntax(err) || IsAborted(err) || !r.opts.HandleError {
				return Result{}, "", "", err
			}

			logger.Warn().Err(err).Int("attempt", r.attempts).Msg("Operation attempt failed")
			res, rerr := r.c.resolver.ResolveFailure(ctx, r.c.exec, r.op, err, r.opts, r.attempts)
			if rerr != nil {
				return Result{}, "", "", rerr
			}
			r.action = res.Action
			if res.Retry {
				r.retry(res.Message)
				continue
			}
			return r.stop(res)
		}

		if out.Repeat {
			msg := out.NotifyMessage
			if msg == "" {
				msg = "Retrying"
			}
			r.retry(msg)
			continue
		}

		if verdict, ok := boolean(out.Value); ok && needsResolution(r.opts, verdict) {
			res, rerr := r.c.resolver.ResolveCondition(ctx, r.c.exec, r.op, verdict, r.opts, r.attempts)
			if rerr != nil {
				return Result{}, "", "", rerr
			}
			r.action = res.Action
			if res.Retry {
				r.retry(res.Message)
				continue
			}
			if res.Action == ActionNoAction && res.Handled == nil {
				// keep the operation's own value and status
				return r.done(out, verdict)
			}
			return r.stop(res)
		}

		return r.done(out, Truth(out.Value))
	}
}

func (r *run) done(out Outcome, verdict bool) (Result, NotifyStatus, string, error) {
	status := out.NotifyStatus
	if status == "" {
		status = StatusSuccess
		if _, isBool := boolean(out.Value); isBool && !verdict {
			status = StatusFailed
		}
	}
	msg := out.NotifyMessage
	if msg == "" {
		msg = fmt.Sprintf("%s completed", r.op.Name())
	}
	return Result{Kind: ResultOK, Value: out.Value}, status, msg, nil
}

func (r *run) stop(res Resolution) (Result, NotifyStatus, string, error) {
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%s completed", r.op.Name())
	}
	if res.Handled != nil {
		return Result{Kind: ResultHandled, Handled: res.Handled}, StatusHandled, msg, nil
	}
	return Result{Kind: ResultOK, Value: res.Value}, res.Status, msg, nil
}

func (r *run) retry(message string) {
	if r.c.metrics != nil {
		r.c.metrics.RecordRetry(r.op.Kind(), r.action)
	}
	r.notify(StatusWaiting, message, nil)
}

func (r *run) notify(status NotifyStatus, reason string, value any) {
	if !r.opts.Notify {
		return
	}
	n := Notification{
		ID:          uuid.New().String(),
		ExecutionID: r.c.exec.ID,
		OperationID: r.id,
		Kind:        NotifyOperation,
		Name:        r.op.Name(),
		Status:      status,
		Reason:      reason,
		Time:        time.Now(),
	}
	if value != nil {
		n.Value = fmt.Sprint(value)
	}
	r.c.sink.Publish(n)
}

func (r *run) finish(ctx context.Context, status NotifyStatus, err error, logger zerolog.Logger) {
	completed := time.Now()
	if r.c.metrics != nil {
		r.c.metrics.RecordOperation(r.op.Kind(), status, completed.Sub(r.started))
	}
	if r.c.recorder == nil {
		return
	}
	rec := OperationRecord{
		ID:          r.id,
		ExecutionID: r.c.exec.ID,
		Name:        r.op.Name(),
		Kind:        r.op.Kind(),
		Status:      status,
		Action:      r.action,
		Attempts:    r.attempts,
		StartedAt:   r.started,
		CompletedAt: completed,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	// history must survive an aborted execution
	if rerr := r.c.recorder.RecordOperation(context.WithoutCancel(ctx), rec); rerr != nil {
		logger.Warn().Err(rerr).Msg("Failed to record operation")
	}
}

// boolean extracts a verdict from values that carry one.
func boolean(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case Truther:
		return t.Truth(), true
	}
	return false, false
}

// needsResolution reports whether the policy for verdict offers anything
// beyond NOACTION.
func needsResolution(opts Options, verdict bool) bool {
	mask := opts.OnFalse
	if verdict {
		mask = opts.OnTrue
	}
	return mask&^ActionNoAction != 0
}
