package procedure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/operations"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// DefaultTimeout bounds a procedure run when no timeout is configured.
const DefaultTimeout = 30 * time.Minute

const contextKey = "orbitloop.context"

// Host runs Starlark procedures against a ground system. Every verify, send
// and get_tm call in a script becomes a closed-loop operation executed by
// the host's controller.
type Host struct {
	ctrl    *engine.Controller
	source  engine.TelemetrySource
	sender  engine.CommandSender
	options verify.OptionSource
	timeout time.Duration
	logger  zerolog.Logger

	evalOpts []verify.EvaluatorOption
}

// Option configures a Host.
type Option func(*Host)

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) Option {
	return func(h *Host) { h.timeout = d }
}

// WithOptionSource sets where the configuration layers below the call site
// come from, such as a *config.Stack or a reloading *config.Watcher.
func WithOptionSource(src verify.OptionSource) Option {
	return func(h *Host) { h.options = src }
}

// WithLogger sets the logger; script print output goes to it as well.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithEvaluatorOptions adds options to every evaluator the host builds,
// such as metrics and a step recorder.
func WithEvaluatorOptions(opts ...verify.EvaluatorOption) Option {
	return func(h *Host) { h.evalOpts = append(h.evalOpts, opts...) }
}

// NewHost creates a host executing operations through ctrl.
func NewHost(ctrl *engine.Controller, source engine.TelemetrySource, sender engine.CommandSender, opts ...Option) *Host {
	h := &Host{
		ctrl:    ctrl,
		source:  source,
		sender:  sender,
		options: (*config.Stack)(nil),
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Result is the outcome of a procedure run.
type Result struct {
	// Globals holds the script's exported globals that convert to Go values.
	Globals map[string]any

	// Operations is the number of closed-loop operations the script ran.
	Operations int

	Duration time.Duration
}

// RunFile executes the procedure at path.
func (h *Host) RunFile(ctx context.Context, path string) (*Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read procedure: %w", err)
	}
	return h.Run(ctx, filepath.Base(path), src)
}

// Run executes a procedure. The script stops when ctx is done, when the
// timeout elapses, or when the execution is aborted.
func (h *Host) Run(ctx context.Context, filename string, src []byte) (*Result, error) {
	started := time.Now()

	runCtx, cancel := h.ctrl.Execution().Bind(ctx)
	defer cancel()
	if h.timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, h.timeout)
		defer stop()
	}

	logger := h.logger.With().Str("procedure", filename).Logger()
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Str("source", "print").Msg(msg)
		},
	}
	thread.SetLocal(contextKey, runCtx)
	stopCancel := context.AfterFunc(runCtx, func() {
		thread.Cancel(fmt.Sprintf("procedure stopped: %v", context.Cause(runCtx)))
	})
	defer stopCancel()

	calls := &counter{}
	logger.Info().Msg("Starting procedure")
	globals, err := starlark.ExecFile(thread, filename, src, h.predeclared(calls))
	result := &Result{Operations: calls.n, Duration: time.Since(started)}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = engine.NewAbortedError(fmt.Sprintf("procedure timed out after %s", h.timeout), err).WithCode(engine.ErrCodeTimeout)
		} else if h.ctrl.Execution().Aborted() {
			err = engine.NewAbortedError(h.ctrl.Execution().Reason(), err).WithCode(engine.ErrCodeAborted)
		}
		logger.Error().Err(err).Int("operations", calls.n).Msg("Procedure failed")
		return result, err
	}

	result.Globals = make(map[string]any)
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			continue
		}
		result.Globals[name] = goVal
	}

	logger.Info().
		Int("operations", calls.n).
		Dur("duration", result.Duration).
		Msg("Procedure completed")
	return result, nil
}

type counter struct{ n int }

func (h *Host) predeclared(calls *counter) starlark.StringDict {
	env := starlark.StringDict{
		"struct":       starlarkstruct.Default,
		"verify":       starlark.NewBuiltin("verify", h.counted(calls, h.builtinVerify)),
		"send":         starlark.NewBuiltin("send", h.counted(calls, h.builtinSend)),
		"get_tm":       starlark.NewBuiltin("get_tm", h.counted(calls, h.builtinGet)),
		"sleep":        starlark.NewBuiltin("sleep", builtinSleep),
		"abort":        starlark.NewBuiltin("abort", h.builtinAbort),
		"execution_id": starlark.String(h.ctrl.Execution().ID),
		"AND":          starlark.String(string(verify.OpAnd)),
		"OR":           starlark.String(string(verify.OpOr)),
	}
	for _, c := range []verify.Comparator{
		verify.Eq, verify.Neq, verify.Lt, verify.Le, verify.Gt, verify.Ge, verify.Between, verify.NotBetween,
	} {
		env[string(c)] = starlark.String(string(c))
	}
	for _, code := range engine.ActionAll.Codes() {
		env[code.String()] = starlark.MakeUint64(uint64(code))
	}
	return env
}

type builtinFunc func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (h *Host) counted(calls *counter, fn builtinFunc) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		calls.n++
		return fn(thread, b, args, kwargs)
	}
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// callLayer turns keyword arguments into a call-site layer. Names listed in
// skip are positional parameters passed by keyword.
func callLayer(b *starlark.Builtin, kwargs []starlark.Tuple, skip ...string) (config.Layer, map[string]starlark.Value, error) {
	named := make(map[string]starlark.Value)
	opts := make(map[string]any)
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if slices.Contains(skip, key) {
			named[key] = kv[1]
			continue
		}
		v, err := fromStarlarkValue(kv[1])
		if err != nil {
			return config.Layer{}, nil, fmt.Errorf("%s: option %s: %w", b.Name(), key, err)
		}
		opts[key] = v
	}
	layer, err := config.FromMap(opts)
	if err != nil {
		return config.Layer{}, nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return layer, named, nil
}

func (h *Host) evaluator() *verify.Evaluator {
	evalOpts := []verify.EvaluatorOption{
		verify.WithOptionSource(h.options),
		verify.WithSink(h.ctrl.Sink()),
		verify.WithLogger(h.logger),
		verify.WithExecutionID(h.ctrl.Execution().ID),
	}
	return verify.NewEvaluator(h.source, append(evalOpts, h.evalOpts...)...)
}

// parseCondition converts a Starlark condition list into an expression tree.
func parseCondition(b *starlark.Builtin, v starlark.Value, defaults config.Layer) (verify.Node, error) {
	def, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	root, err := verify.Parse(def, defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return root, nil
}

// builtinVerify implements verify(cond, **cfg).
func (h *Host) builtinVerify(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	layer, named, err := callLayer(b, kwargs, "cond")
	if err != nil {
		return nil, err
	}
	cond, ok := named["cond"]
	if len(args) == 1 && !ok {
		cond = args[0]
	} else if len(args) != 0 || !ok {
		return nil, fmt.Errorf("%s: expected one condition argument", b.Name())
	}

	opts, err := h.options.Resolve("", "", layer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	root, err := parseCondition(b, cond, layer)
	if err != nil {
		return nil, err
	}

	op := operations.NewVerify(root, h.evaluator(), h.logger)
	return h.execute(thread, op, opts)
}

// builtinSend implements send(cmd, args={}, verify=None, **cfg).
func (h *Host) builtinSend(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	layer, named, err := callLayer(b, kwargs, "cmd", "args", "verify")
	if err != nil {
		return nil, err
	}
	var cmdName string
	var cmdArgs *starlark.Dict
	var check starlark.Value = starlark.None
	if v, ok := named["cmd"]; ok {
		args = append(args, v)
	}
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &cmdName, &cmdArgs, &check); err != nil {
		return nil, err
	}
	if v, ok := named["args"]; ok {
		d, isDict := v.(*starlark.Dict)
		if !isDict {
			return nil, fmt.Errorf("%s: args must be a dict, got %s", b.Name(), v.Type())
		}
		cmdArgs = d
	}
	if v, ok := named["verify"]; ok {
		check = v
	}

	cmd := engine.Command{Name: cmdName, Args: map[string]any{}}
	if cmdArgs != nil {
		converted, err := fromStarlarkValue(cmdArgs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		cmd.Args = converted.(map[string]any)
	}

	opts, err := h.options.Resolve("", cmdName, layer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	sendOpts := []operations.SendOption{operations.WithSendLogger(h.logger)}
	if check != starlark.None {
		root, err := parseCondition(b, check, layer)
		if err != nil {
			return nil, err
		}
		sendOpts = append(sendOpts, operations.WithVerification(root, h.evaluator()))
	}

	op := operations.NewSend(cmd, h.sender, sendOpts...)
	return h.execute(thread, op, opts)
}

// builtinGet implements get_tm(name, **cfg).
func (h *Host) builtinGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	layer, named, err := callLayer(b, kwargs, "name")
	if err != nil {
		return nil, err
	}
	if v, ok := named["name"]; ok {
		args = append(args, v)
	}
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
		return nil, err
	}

	opts, err := h.options.Resolve("", name, layer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	op := operations.NewGet(name, h.source, operations.RequestFrom(opts), h.logger)
	return h.execute(thread, op, opts)
}

// execute runs op through the controller and converts the result. A
// HANDLE result becomes a script error carrying the failure.
func (h *Host) execute(thread *starlark.Thread, op engine.Operation, opts engine.Options) (starlark.Value, error) {
	res, err := h.ctrl.Execute(threadContext(thread), op, opts)
	if err != nil {
		return nil, err
	}
	if res.Kind == engine.ResultHandled {
		return nil, res.Handled
	}

	var value starlark.Value
	switch v := res.Value.(type) {
	case engine.Truther:
		value = starlark.Bool(v.Truth())
	default:
		value, err = toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name(), err)
		}
	}

	if opts.GiveChoice {
		action := starlark.Value(starlark.None)
		if res.Action != engine.ActionNone {
			action = starlark.String(res.Action.String())
		}
		return starlark.Tuple{value, action}, nil
	}
	return value, nil
}

// builtinSleep implements sleep(seconds).
func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	seconds, ok := starlark.AsFloat(v)
	if !ok {
		return nil, fmt.Errorf("%s: expected seconds, got %s", b.Name(), v.Type())
	}
	if seconds < 0 {
		return nil, fmt.Errorf("%s: negative duration", b.Name())
	}

	ctx := threadContext(thread)
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// builtinAbort implements abort(reason).
func (h *Host) builtinAbort(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	reason := "aborted by procedure"
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &reason); err != nil {
		return nil, err
	}
	h.ctrl.Execution().Abort(reason)
	return nil, engine.NewAbortedError(reason, nil).WithCode(engine.ErrCodeAborted)
}
