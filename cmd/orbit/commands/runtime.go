package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/drivers/sim"
	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/observability"
	"github.com/orbitloop/orbitloop/pkg/policy"
	"github.com/orbitloop/orbitloop/pkg/prompt"
	"github.com/orbitloop/orbitloop/pkg/stores"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// DefaultDatabase is the history database used when --db is not given.
const DefaultDatabase = "orbitloop.db"

// runtimeFlags are the flags shared by commands that execute operations.
type runtimeFlags struct {
	scenario     string
	layers       []string
	policies     []string
	db           string
	unattended   bool
	answers      string
	watch        bool
	metricsAddr  string
	trace        string
	otlpEndpoint string
	env          string
	show         []string
}

func (f *runtimeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.scenario, "scenario", "s", "", "simulated ground system scenario (YAML)")
	cmd.Flags().StringSliceVarP(&f.layers, "layers", "l", nil, "CUE option layer files or directories")
	cmd.Flags().StringSliceVarP(&f.policies, "policy", "p", nil, "Rego action policy files or directories")
	cmd.Flags().StringVar(&f.db, "db", DefaultDatabase, "execution history database (empty disables history)")
	cmd.Flags().BoolVar(&f.unattended, "unattended", false, "never prompt; policies and single legal actions decide")
	cmd.Flags().StringVar(&f.answers, "answers", "", "scripted prompt answers, e.g. \"R,R,A\"")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "reload layers and policies when their files change")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&f.trace, "trace", "", "trace exporter: stdout or otlp")
	cmd.Flags().StringVar(&f.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	cmd.Flags().StringVar(&f.env, "env", os.Getenv("ORBITLOOP_ENV"), "environment reported to policies and traces (default ops)")
	cmd.Flags().StringSliceVar(&f.show, "show", nil, "notification kinds to print: operation, verification, report, prompt (default all)")
	_ = cmd.MarkFlagRequired("scenario")
}

// runtime holds everything a command needs to execute closed-loop
// operations against the simulator.
type runtime struct {
	tel      *observability.Telemetry
	sim      *sim.Simulator
	store    *stores.SQLiteStore
	policies *policy.Engine
	options  verify.OptionSource
	resolver *engine.Resolver
	logger   zerolog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
	closed bool
}

// newRuntime wires telemetry, the simulator, configuration layers, policies
// and history from flags. Background services run until Close.
func newRuntime(ctx context.Context, f *runtimeFlags, out io.Writer) (*runtime, error) {
	cfg := observability.DefaultConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	cfg.Metrics.ListenAddress = f.metricsAddr
	if f.env != "" {
		cfg.Environment = f.env
	}
	if f.trace != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = f.trace
		cfg.Tracing.Endpoint = f.otlpEndpoint
	}

	tel, err := observability.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	rt := &runtime{tel: tel, logger: logger, group: g, cancel: cancel}

	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	sc, err := sim.LoadScenario(f.scenario)
	if err != nil {
		return fail(err)
	}
	rt.sim = sim.New(sc, logger)
	g.Go(func() error { return rt.sim.Run(gctx) })
	g.Go(func() error { return tel.Metrics.Serve(gctx, logger) })

	rt.options = (*config.Stack)(nil)
	if len(f.layers) > 0 {
		loader := config.NewLoader(logger)
		if f.watch {
			watcher, err := config.NewWatcher(loader, f.layers, logger)
			if err != nil {
				return fail(err)
			}
			if err := watcher.Start(gctx); err != nil {
				return fail(err)
			}
			rt.options = watcher
		} else {
			stack, err := loader.Load(f.layers...)
			if err != nil {
				return fail(err)
			}
			rt.options = stack
		}
	}

	rt.policies, err = policy.NewEngine(logger)
	if err != nil {
		return fail(err)
	}
	rt.policies.SetEnvironment(cfg.Environment)
	if len(f.policies) > 0 {
		if err := rt.policies.LoadPolicies(ctx, f.policies); err != nil {
			return fail(err)
		}
		if f.watch {
			if err := rt.policies.Watch(gctx, f.policies); err != nil {
				return fail(err)
			}
		}
	}

	if f.db != "" {
		rt.store, err = stores.Open(ctx, stores.Config{Path: f.db, Logger: &logger})
		if err != nil {
			return fail(fmt.Errorf("failed to open history: %w", err))
		}
		tel.Events.SubscribeSink(rt.store)
	}
	printerFilters, err := showFilters(f.show)
	if err != nil {
		return fail(err)
	}
	tel.Events.SubscribeSink(prompt.NewPrinter(out, verbose), printerFilters...)

	resolverOpts := []engine.ResolverOption{
		engine.WithActionSelector(rt.policies),
		engine.WithResolverLogger(logger),
		engine.WithResolverMetrics(tel.Metrics),
	}
	switch {
	case f.answers != "":
		resolverOpts = append(resolverOpts, engine.WithPromptSink(prompt.NewScripted("", prompt.ParseAnswers(f.answers)...)))
	case !f.unattended:
		resolverOpts = append(resolverOpts, engine.WithPromptSink(prompt.NewConsole()))
	}
	rt.resolver = engine.NewResolver(resolverOpts...)

	return rt, nil
}

// showFilters turns --show kinds into a notification type filter.
func showFilters(kinds []string) ([]observability.EventFilter, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	types := make([]string, 0, len(kinds))
	for _, k := range kinds {
		switch kind := engine.NotifyKind(k); kind {
		case engine.NotifyOperation, engine.NotifyVerification, engine.NotifyReport, engine.NotifyPrompt:
			types = append(types, observability.EventTypeNotificationPrefix+string(kind))
		default:
			return nil, fmt.Errorf("unknown notification kind %q", k)
		}
	}
	return []observability.EventFilter{observability.FilterByType(types...)}, nil
}

// controller creates the controller of exec, recording history when a
// store is open.
func (rt *runtime) controller(exec *engine.Execution) *engine.Controller {
	opts := []engine.ControllerOption{
		engine.WithLogger(rt.logger),
		engine.WithMetrics(rt.tel.Metrics),
	}
	if rt.store != nil {
		opts = append(opts, engine.WithRecorder(rt.store))
	}
	return engine.NewController(exec, rt.resolver, rt.tel.Events, opts...)
}

// evaluatorOptions are the evaluator options every verification shares.
func (rt *runtime) evaluatorOptions(exec *engine.Execution) []verify.EvaluatorOption {
	opts := []verify.EvaluatorOption{
		verify.WithOptionSource(rt.options),
		verify.WithSink(rt.tel.Events),
		verify.WithLogger(rt.logger),
		verify.WithMetrics(rt.tel.Metrics),
		verify.WithExecutionID(exec.ID),
	}
	if rt.store != nil {
		opts = append(opts, verify.WithRecorder(rt.store))
	}
	return opts
}

// begin opens the history row and telemetry scope of an execution.
func (rt *runtime) begin(ctx context.Context, exec *engine.Execution, procedure, metadata string) context.Context {
	ctx = rt.tel.WithContext(ctx)
	ctx = observability.StartExecution(ctx, exec.ID, procedure)
	if rt.store != nil {
		err := rt.store.CreateExecution(ctx, &stores.Execution{
			ID:        exec.ID,
			Procedure: procedure,
			Metadata:  metadata,
		})
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to record execution start")
		}
	}
	return ctx
}

// end closes what begin opened and maps err to an execution status.
func (rt *runtime) end(ctx context.Context, exec *engine.Execution, err error) {
	status := stores.ExecutionStatusCompleted
	var reason *string
	switch {
	case err != nil && (engine.IsAborted(err) || exec.Aborted()):
		status = stores.ExecutionStatusAborted
	case err != nil:
		status = stores.ExecutionStatusFailed
	}
	if err != nil {
		msg := err.Error()
		reason = &msg
	}

	observability.EndExecution(ctx, exec.ID, string(status), err)
	if rt.store != nil {
		if ferr := rt.store.FinishExecution(context.WithoutCancel(ctx), exec.ID, status, reason); ferr != nil {
			rt.logger.Warn().Err(ferr).Msg("Failed to record execution end")
		}
	}
}

// Close stops background services and releases resources.
func (rt *runtime) Close() {
	if rt.closed {
		return
	}
	rt.closed = true

	rt.cancel()
	if err := rt.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Background service failed")
	}
	if w, ok := rt.options.(*config.Watcher); ok {
		_ = w.Stop()
	}
	if rt.policies != nil {
		if err := rt.policies.StopWatching(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop policy watcher")
		}
	}
	if rt.tel != nil {
		if err := rt.tel.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
