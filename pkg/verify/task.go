package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

const instrumentationName = "github.com/orbitloop/orbitloop/pkg/verify"

// OptionSource resolves the options of a condition once its item is known.
// *config.Stack and *config.Watcher implement it.
type OptionSource interface {
	Resolve(iface, item string, call config.Layer) (engine.Options, error)
}

// StepMetrics receives per-leaf measurements.
type StepMetrics interface {
	RecordStep(status string, duration time.Duration)
	RecordFetchError(code string)
}

// Task polls one condition until it matches, runs out of attempts, fails or
// is stopped. The step it owns lives in the shared Table.
type Task struct {
	id      int
	cond    Condition
	source  engine.TelemetrySource
	table   *Table
	options OptionSource
	logger  zerolog.Logger
	metrics StepMetrics

	stop     chan struct{}
	stopOnce sync.Once
	fetches  atomic.Int32

	mu   sync.Mutex
	opts engine.Options
}

// NewTask creates a task for cond and registers its step in table.
func NewTask(id int, cond Condition, source engine.TelemetrySource, table *Table) *Task {
	t := &Task{
		id:      id,
		cond:    cond,
		source:  source,
		table:   table,
		options: (*config.Stack)(nil),
		logger:  zerolog.Nop(),
		stop:    make(chan struct{}),
		opts:    engine.DefaultOptions(),
	}
	table.Register(id, cond.Name())
	return t
}

// Stop asks the task to end at its next retry boundary and interrupts a
// pending fetch.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Fetches returns how many fetches the task issued.
func (t *Task) Fetches() int {
	return int(t.fetches.Load())
}

// Options returns the options the task resolved.
func (t *Task) Options() engine.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

// Run executes the task and returns its final step.
func (t *Task) Run(ctx context.Context) Step {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "verify.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("verify.parameter", t.cond.Name()),
		attribute.String("verify.comparator", string(t.cond.Comparator)),
	)

	started := time.Now()
	step := t.run(ctx)
	span.SetAttributes(
		attribute.String("verify.status", string(step.Status)),
		attribute.Bool("verify.stopped", step.Stopped),
		attribute.Int("verify.fetches", t.Fetches()),
	)
	if step.Err != nil {
		span.RecordError(step.Err)
	}
	if t.metrics != nil {
		status := string(step.Status)
		if step.Stopped {
			status = "STOPPED"
		}
		t.metrics.RecordStep(status, time.Since(started))
	}
	return step
}

func (t *Task) run(ctx context.Context) Step {
	name := t.cond.Name()
	t.table.Update(t.id, func(s *Step) {
		s.Status = StatusInProgress
		s.Reason = fmt.Sprintf("Verifying %s", t.cond)
	})

	h, herr := t.handle(ctx)
	opts, oerr := t.options.Resolve(h.Interface, name, t.cond.Config)
	if oerr != nil {
		return t.fail(oerr, engine.DefaultOptions())
	}
	t.mu.Lock()
	t.opts = opts
	t.mu.Unlock()
	if herr != nil {
		if ctx.Err() != nil {
			return t.markStopped()
		}
		return t.fail(herr, opts)
	}

	cmp := CompareOptionsFrom(opts)
	attempts := opts.Retries + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return t.markStopped()
		}

		req := engine.FetchRequest{Wait: opts.Wait || i > 0, Timeout: opts.Timeout, Format: opts.ValueFormat}
		sample, err := t.fetch(ctx, h, req)
		if err != nil {
			if ctx.Err() != nil {
				return t.markStopped()
			}
			return t.fail(err, opts)
		}
		value := fmt.Sprint(sample.Value)
		if !sample.Valid {
			return t.fail(engine.NewDataError(fmt.Sprintf("invalid value %s", value), nil).
				WithCode(engine.ErrCodeInvalidValue).
				WithItem(name), opts)
		}

		match, err := Compare(t.cond.Comparator, sample.Value, t.cond.Expected, cmp)
		if err != nil {
			var ee *engine.EngineError
			if errors.As(err, &ee) && ee.Item == "" {
				ee.WithItem(name)
			}
			return t.fail(err, opts)
		}

		fetches := t.Fetches()
		switch {
		case match:
			return t.table.Update(t.id, func(s *Step) {
				s.Status = StatusSuccess
				s.Value = value
				s.Fetches = fetches
				s.Reason = fmt.Sprintf("Value is %s", value)
			})
		case i == attempts-1:
			return t.table.Update(t.id, func(s *Step) {
				s.Status = StatusFailed
				s.Failed = true
				s.Value = value
				s.Fetches = fetches
				s.Reason = fmt.Sprintf("Actual value: %s", value)
			})
		default:
			t.table.Update(t.id, func(s *Step) {
				s.Value = value
				s.Fetches = fetches
				s.Reason = fmt.Sprintf("Retrying (%d/%d), value is %s", i+1, opts.Retries, value)
			})
			t.logger.Debug().
				Str("parameter", name).
				Str("value", value).
				Int("attempt", i+1).
				Msg("Condition not met, retrying")
		}
	}
	// unreachable: the last attempt always returns
	return t.markStopped()
}

func (t *Task) handle(ctx context.Context) (engine.ItemHandle, error) {
	if t.cond.Handle != nil {
		return *t.cond.Handle, nil
	}
	return ResolveItem(ctx, t.source, t.cond.Parameter)
}

func (t *Task) fetch(ctx context.Context, h engine.ItemHandle, req engine.FetchRequest) (engine.Sample, error) {
	t.fetches.Add(1)
	sample, err := Fetch(ctx, t.source, h, req)
	if err != nil && ctx.Err() == nil && t.metrics != nil {
		code := engine.CodeOf(err)
		if code == "" {
			code = engine.ErrCodeUnknown
		}
		t.metrics.RecordFetchError(code)
	}
	return sample, err
}

// ResolveItem resolves name through source. Unclassified failures become
// UNKNOWN_ITEM syntax errors.
func ResolveItem(ctx context.Context, source engine.TelemetrySource, name string) (engine.ItemHandle, error) {
	h, err := source.Resolve(ctx, name)
	if err != nil {
		if engine.ClassOf(err) == engine.ErrorClassOperation {
			err = engine.NewSyntaxError("unknown telemetry item", err).
				WithCode(engine.ErrCodeUnknownItem).
				WithItem(name)
		}
		return engine.ItemHandle{Name: name}, err
	}
	return h, nil
}

// Fetch issues one fetch of h, bounded by req.Timeout when req.Wait is set.
// A timeout becomes a TIMEOUT data error and any other unclassified failure a
// TRANSPORT data error. When ctx itself is done the raw error is returned.
func Fetch(ctx context.Context, source engine.TelemetrySource, h engine.ItemHandle, req engine.FetchRequest) (engine.Sample, error) {
	fctx := ctx
	if req.Wait && req.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	sample, err := source.Fetch(fctx, h, req)
	if err == nil {
		return sample, nil
	}
	if ctx.Err() != nil {
		return engine.Sample{}, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = engine.NewDataError(fmt.Sprintf("no sample within %s", req.Timeout), err).
			WithCode(engine.ErrCodeTimeout).
			WithItem(h.Name)
	} else if engine.ClassOf(err) == engine.ErrorClassOperation {
		err = engine.NewDataError("telemetry fetch failed", err).
			WithCode(engine.ErrCodeTransport).
			WithItem(h.Name)
	}
	return engine.Sample{}, err
}

// FailureStatus is the terminal status of a leaf whose fetch or comparison
// raised err: FAILED when the operator may be asked, or when a genuine data
// error is to be prompted for; SUPERSEDED otherwise.
func FailureStatus(err error, opts engine.Options) StepStatus {
	if opts.PromptUser {
		return StatusFailed
	}
	if engine.IsData(err) && opts.PromptFailure {
		return StatusFailed
	}
	return StatusSuperseded
}

func (t *Task) fail(err error, opts engine.Options) Step {
	status := FailureStatus(err, opts)
	t.logger.Warn().
		Err(err).
		Str("parameter", t.cond.Name()).
		Str("status", string(status)).
		Msg("Verification step failed")
	fetches := t.Fetches()
	return t.table.Update(t.id, func(s *Step) {
		s.Status = status
		s.Failed = true
		s.Err = err
		s.Fetches = fetches
		s.Reason = err.Error()
	})
}

func (t *Task) markStopped() Step {
	fetches := t.Fetches()
	return t.table.Update(t.id, func(s *Step) {
		s.Stopped = true
		s.Fetches = fetches
		s.Reason = "Verification stopped"
	})
}
