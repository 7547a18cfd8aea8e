package operations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// KindVerify is the kind of telemetry verification operations.
const KindVerify = "verify"

// Verify checks an expression tree against telemetry. Each attempt evaluates
// the whole tree again.
//
// Comparison failures yield a false Evaluation and go through the OnFalse
// policy. Leaves that ended FAILED with a data error turn the attempt into a
// data error, resolved through OnFailure. Syntax errors in any leaf escape.
type Verify struct {
	name      string
	root      verify.Node
	evaluator *verify.Evaluator
	logger    zerolog.Logger

	mu   sync.Mutex
	last *verify.Evaluation
}

// NewVerify creates a verification of root evaluated by ev.
func NewVerify(root verify.Node, ev *verify.Evaluator, logger zerolog.Logger) *Verify {
	return &Verify{
		name:      fmt.Sprintf("verify %s", root),
		root:      root,
		evaluator: ev,
		logger:    logger,
	}
}

// Name implements engine.Operation.
func (v *Verify) Name() string { return v.name }

// Kind implements engine.Operation.
func (v *Verify) Kind() string { return KindVerify }

// Last returns the most recent evaluation, or nil.
func (v *Verify) Last() *verify.Evaluation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Do implements engine.Operation.
func (v *Verify) Do(ctx context.Context) (engine.Outcome, error) {
	ev, err := v.evaluator.Evaluate(ctx, v.root)
	if err != nil {
		return engine.Outcome{}, err
	}
	v.mu.Lock()
	v.last = ev
	v.mu.Unlock()

	if ev.Stopped {
		return engine.Outcome{}, engine.NewAbortedError("verification stopped", context.Cause(ctx)).WithOperation(v.name)
	}
	if err := escalate(ev); err != nil {
		return engine.Outcome{}, err
	}
	return engine.Outcome{Value: ev, NotifyMessage: ev.Report.String()}, nil
}

// escalate returns the error a completed evaluation raises, if any: the first
// syntax error, else a data error joining every leaf that ended FAILED with
// a data error.
func escalate(ev *verify.Evaluation) error {
	var data []error
	var first *engine.EngineError
	for _, l := range ev.Leaves {
		err := l.Step.Err
		if err == nil {
			continue
		}
		if engine.IsSyntax(err) {
			return err
		}
		if l.Step.Status == verify.StatusFailed && engine.IsData(err) {
			data = append(data, err)
			if first == nil {
				errors.As(err, &first)
			}
		}
	}
	if len(data) == 0 {
		return nil
	}

	out := engine.NewDataError(fmt.Sprintf("%d verification step(s) failed", len(data)), errors.Join(data...)).
		WithCode(engine.ErrCodeVerificationFailed)
	if first != nil {
		out.WithItem(first.Item)
		if first.Code != "" {
			out.WithCode(first.Code)
		}
	}
	return out
}

// Recheck implements engine.Rechecker. The next attempt evaluates the tree
// again from fresh samples.
func (v *Verify) Recheck(ctx context.Context) error {
	v.logger.Info().Str("operation", v.name).Msg("Rechecking verification")
	return nil
}

// Skip implements engine.Skipper; a skipped verification counts as passed.
func (v *Verify) Skip(ctx context.Context) (any, error) {
	v.logger.Warn().Str("operation", v.name).Msg("Verification skipped")
	return true, nil
}

// Cancel implements engine.Canceller; a cancelled verification counts as
// failed.
func (v *Verify) Cancel(ctx context.Context) (any, error) {
	v.logger.Warn().Str("operation", v.name).Msg("Verification cancelled")
	return false, nil
}

// FailureItem implements engine.FailureDescriber: the first leaf that did
// not succeed in the last evaluation.
func (v *Verify) FailureItem() string {
	ev := v.Last()
	if ev == nil {
		return ""
	}
	for _, l := range ev.Leaves {
		if l.Step.Status != verify.StatusSuccess {
			return l.Cond.Name()
		}
	}
	return ""
}
