package verify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Evaluation is the outcome of evaluating an expression tree once.
type Evaluation struct {
	// ID identifies this evaluation.
	ID string

	// Value is the folded verdict. A stopped evaluation is never true.
	Value bool

	// Stopped is set when any leaf was stopped.
	Stopped bool

	// Leaves holds per-leaf results in tree order.
	Leaves []LeafResult

	// Report is the batched human-readable summary.
	Report Report

	StartedAt   time.Time
	CompletedAt time.Time
}

// LeafResult pairs a leaf with its final step and resolved options.
type LeafResult struct {
	Cond    Condition
	Step    Step
	Options engine.Options
}

// Truth implements engine.Truther.
func (e *Evaluation) Truth() bool {
	return e != nil && e.Value && !e.Stopped
}

// String renders the verdict.
func (e *Evaluation) String() string {
	switch {
	case e.Stopped:
		return "STOPPED"
	case e.Value:
		return "true"
	}
	return "false"
}

// Errors returns the errors captured by failed leaves.
func (e *Evaluation) Errors() []error {
	var out []error
	for _, l := range e.Leaves {
		if l.Step.Err != nil {
			out = append(out, l.Step.Err)
		}
	}
	return out
}

// Err joins the errors captured by failed leaves.
func (e *Evaluation) Err() error {
	return errors.Join(e.Errors()...)
}

// StepRecorder persists the steps of completed evaluations.
type StepRecorder interface {
	RecordEvaluation(ctx context.Context, executionID string, ev *Evaluation) error
}

// Evaluator evaluates expression trees against a telemetry source, one task
// per leaf, all leaves concurrently.
type Evaluator struct {
	source      engine.TelemetrySource
	options     OptionSource
	sink        engine.NotificationSink
	logger      zerolog.Logger
	metrics     StepMetrics
	recorder    StepRecorder
	executionID string
	notify      bool
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithOptionSource sets where leaf options are resolved from.
func WithOptionSource(src OptionSource) EvaluatorOption {
	return func(e *Evaluator) { e.options = src }
}

// WithSink sets the notification sink for step updates and the report.
func WithSink(sink engine.NotificationSink) EvaluatorOption {
	return func(e *Evaluator) { e.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// WithMetrics sets the step metrics recorder.
func WithMetrics(m StepMetrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// WithRecorder sets the evaluation history recorder.
func WithRecorder(r StepRecorder) EvaluatorOption {
	return func(e *Evaluator) { e.recorder = r }
}

// WithExecutionID tags notifications with an execution ID.
func WithExecutionID(id string) EvaluatorOption {
	return func(e *Evaluator) { e.executionID = id }
}

// WithNotify enables or disables step notifications. The report is always
// published.
func WithNotify(notify bool) EvaluatorOption {
	return func(e *Evaluator) { e.notify = notify }
}

// NewEvaluator creates an evaluator reading from source.
func NewEvaluator(source engine.TelemetrySource, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		source:  source,
		options: (*config.Stack)(nil),
		sink:    engine.NopSink(),
		logger:  zerolog.Nop(),
		notify:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every leaf of root concurrently, waits for all of them and
// folds the verdict bottom-up. Leaf failures are captured in the result;
// only malformed trees return an error.
func (e *Evaluator) Evaluate(ctx context.Context, root Node) (*Evaluation, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}

	ev := &Evaluation{ID: uuid.New().String(), StartedAt: time.Now()}
	table := NewTable(e.sink, e.executionID, e.notify)

	leaves := root.Leaves()
	tasks := make([]*Task, len(leaves))
	for i, leaf := range leaves {
		t := NewTask(i+1, leaf.Cond, e.source, table)
		t.options = e.options
		t.logger = e.logger
		t.metrics = e.metrics
		tasks[i] = t
	}

	var g errgroup.Group
	steps := make(map[*LeafNode]Step, len(leaves))
	results := make([]Step, len(leaves))
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = t.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, leaf := range leaves {
		steps[leaf] = results[i]
		ev.Leaves = append(ev.Leaves, LeafResult{Cond: leaf.Cond, Step: results[i], Options: tasks[i].Options()})
	}
	ev.Value, ev.Stopped = fold(root, steps)
	if ev.Stopped {
		ev.Value = false
	}
	ev.CompletedAt = time.Now()
	ev.Report = NewReport(ev)

	e.publishReport(ev)
	if e.recorder != nil {
		if err := e.recorder.RecordEvaluation(context.WithoutCancel(ctx), e.executionID, ev); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to record evaluation")
		}
	}
	return ev, nil
}

// fold computes the verdict of n; any stopped leaf below n makes it stopped.
func fold(n Node, steps map[*LeafNode]Step) (value, stopped bool) {
	switch t := n.(type) {
	case *LeafNode:
		s := steps[t]
		if s.Stopped {
			return false, true
		}
		return s.Status == StatusSuccess, false
	case *GroupNode:
		value = t.Op == OpAnd
		for _, c := range t.Children {
			v, st := fold(c, steps)
			stopped = stopped || st
			if t.Op == OpAnd {
				value = value && v
			} else {
				value = value || v
			}
		}
		return value && !stopped, stopped
	}
	return false, false
}

func (e *Evaluator) publishReport(ev *Evaluation) {
	text := ev.Report.String()
	e.logger.Info().
		Str("evaluation_id", ev.ID).
		Str("result", ev.String()).
		Strs("report", ev.Report.Texts()).
		Msg("Verification report")

	status := engine.StatusSuccess
	switch {
	case ev.Stopped:
		status = engine.StatusCancelled
	case !ev.Value:
		status = engine.StatusFailed
	}
	e.sink.Publish(engine.Notification{
		ID:          uuid.New().String(),
		ExecutionID: e.executionID,
		Kind:        engine.NotifyReport,
		Name:        "verification",
		Value:       ev.String(),
		Status:      status,
		Reason:      text,
		Time:        ev.CompletedAt,
		Data:        map[string]any{"lines": ev.Report.Lines, "evaluation_id": ev.ID},
	})
}
