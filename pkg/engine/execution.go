package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrExecutionAborted is the cancellation cause set by Execution.Abort.
var ErrExecutionAborted = errors.New("execution aborted")

// Execution is the scope of one procedure run. It owns the stop signal that
// reaches every live task and the lock serializing closed-loop operations.
type Execution struct {
	// ID uniquely identifies the execution.
	ID string

	ctx    context.Context
	cancel context.CancelCauseFunc
	lock   chan struct{}

	mu     sync.Mutex
	reason string
}

// NewExecution creates an execution scoped to parent.
func NewExecution(parent context.Context) *Execution {
	ctx, cancel := context.WithCancelCause(parent)
	return &Execution{
		ID:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
		lock:   make(chan struct{}, 1),
	}
}

// Context returns the execution context. It is cancelled by Abort.
func (e *Execution) Context() context.Context {
	return e.ctx
}

// Abort cancels the execution context. Only the first reason is kept.
func (e *Execution) Abort(reason string) {
	e.mu.Lock()
	if e.reason == "" {
		e.reason = reason
	}
	e.mu.Unlock()
	e.cancel(ErrExecutionAborted)
}

// Aborted reports whether the execution has been stopped.
func (e *Execution) Aborted() bool {
	return e.ctx.Err() != nil
}

// Reason returns the abort reason, if any.
func (e *Execution) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// Close releases the execution context.
func (e *Execution) Close() {
	e.cancel(context.Canceled)
}

// Bind returns a context cancelled when either ctx or the execution is done.
func (e *Execution) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancelCause(ctx)
	if e.ctx.Err() != nil {
		cancel(context.Cause(e.ctx))
	}
	stop := context.AfterFunc(e.ctx, func() {
		cancel(context.Cause(e.ctx))
	})
	return bound, func() {
		stop()
		cancel(context.Canceled)
	}
}

// acquire takes the execution lock, giving up when ctx is done.
func (e *Execution) acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewAbortedError("waiting for execution lock", context.Cause(ctx))
	}
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return NewAbortedError("waiting for execution lock", context.Cause(ctx))
	}
}

func (e *Execution) release() {
	<-e.lock
}
