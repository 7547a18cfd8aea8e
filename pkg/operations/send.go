package operations

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// KindSend is the kind of telecommand operations.
const KindSend = "send"

// Send issues a telecommand and optionally verifies its effect.
type Send struct {
	cmd    engine.Command
	sender engine.CommandSender
	logger zerolog.Logger

	// check and evaluator are set for a post-send verification.
	check     verify.Node
	evaluator *verify.Evaluator

	sends atomic.Int32
}

// SendOption configures a Send.
type SendOption func(*Send)

// WithVerification verifies root with ev after each successful send. A false
// or failed verification is a data error, so RESEND applies.
func WithVerification(root verify.Node, ev *verify.Evaluator) SendOption {
	return func(s *Send) {
		s.check = root
		s.evaluator = ev
	}
}

// WithSendLogger sets the logger.
func WithSendLogger(l zerolog.Logger) SendOption {
	return func(s *Send) { s.logger = l }
}

// NewSend creates a send of cmd through sender.
func NewSend(cmd engine.Command, sender engine.CommandSender, opts ...SendOption) *Send {
	s := &Send{cmd: cmd, sender: sender, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements engine.Operation.
func (s *Send) Name() string {
	if len(s.cmd.Args) == 0 {
		return "send " + s.cmd.Name
	}
	keys := make([]string, 0, len(s.cmd.Args))
	for k := range s.cmd.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, s.cmd.Args[k]))
	}
	return fmt.Sprintf("send %s(%s)", s.cmd.Name, strings.Join(args, ", "))
}

// Kind implements engine.Operation.
func (s *Send) Kind() string { return KindSend }

// Sends returns how many times the command went out.
func (s *Send) Sends() int { return int(s.sends.Load()) }

// Do implements engine.Operation.
func (s *Send) Do(ctx context.Context) (engine.Outcome, error) {
	s.sends.Add(1)
	if err := s.sender.Send(ctx, s.cmd); err != nil {
		if engine.ClassOf(err) == engine.ErrorClassOperation && engine.CodeOf(err) == "" {
			err = engine.NewOperationError("command rejected", err).
				WithCode(engine.ErrCodeCommandRejected).
				WithItem(s.cmd.Name)
		}
		return engine.Outcome{}, err
	}
	s.logger.Debug().Str("command", s.cmd.Name).Int("sends", s.Sends()).Msg("Command sent")

	if s.check == nil {
		return engine.Outcome{Value: true}, nil
	}
	ev, err := s.evaluator.Evaluate(ctx, s.check)
	if err != nil {
		return engine.Outcome{}, err
	}
	if ev.Stopped {
		return engine.Outcome{}, engine.NewAbortedError("verification stopped", context.Cause(ctx)).WithOperation(s.Name())
	}
	if err := escalate(ev); err != nil {
		return engine.Outcome{}, err
	}
	if !ev.Value {
		item := ""
		for _, l := range ev.Leaves {
			if l.Step.Status != verify.StatusSuccess {
				item = l.Cond.Name()
				break
			}
		}
		return engine.Outcome{}, engine.NewDataError(fmt.Sprintf("%s not confirmed: %s", s.cmd.Name, ev.Report), nil).
			WithCode(engine.ErrCodeVerificationFailed).
			WithItem(item).
			WithOperation(s.Name())
	}
	return engine.Outcome{Value: true, NotifyMessage: ev.Report.String()}, nil
}

// Resend implements engine.Resender. The next attempt sends the command
// again.
func (s *Send) Resend(ctx context.Context) error {
	s.logger.Info().Str("command", s.cmd.Name).Msg("Resending command")
	return nil
}

// Skip implements engine.Skipper.
func (s *Send) Skip(ctx context.Context) (any, error) {
	s.logger.Warn().Str("command", s.cmd.Name).Msg("Command skipped")
	return true, nil
}

// Cancel implements engine.Canceller.
func (s *Send) Cancel(ctx context.Context) (any, error) {
	s.logger.Warn().Str("command", s.cmd.Name).Msg("Command cancelled")
	return false, nil
}

// BeforeAction implements engine.ActionObserver.
func (s *Send) BeforeAction(ctx context.Context, action engine.ActionCode) {
	s.logger.Debug().Str("command", s.cmd.Name).Str("action", action.String()).Msg("Resolving send failure")
}

// AfterAction implements engine.ActionObserver.
func (s *Send) AfterAction(ctx context.Context, action engine.ActionCode) {}

// FailureItem implements engine.FailureDescriber.
func (s *Send) FailureItem() string { return s.cmd.Name }
