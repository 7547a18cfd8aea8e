package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Engine chooses actions by evaluating Rego policies. It implements
// engine.ActionSelector.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	environment     string
	builtinPolicies []Policy
	loader          *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	store := inmem.NewFromObject(map[string]interface{}{
		"orbitloop": map[string]interface{}{
			"config": map[string]interface{}{
				"max_attempts":    DefaultMaxAttempts,
				"settle_attempts": DefaultSettleAttempts,
			},
		},
	})

	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           store,
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// SetEnvironment sets input.context.environment, letting policies behave
// differently on flight and test systems.
func (e *Engine) SetEnvironment(env string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.environment = env
}

// SetConfig writes a tuning value under data.orbitloop.config, e.g.
// "max_attempts".
func (e *Engine) SetConfig(ctx context.Context, key string, value interface{}) error {
	path, ok := storage.ParsePath("/orbitloop/config/" + key)
	if !ok {
		return fmt.Errorf("invalid config key %q", key)
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, path, value); err != nil {
		return fmt.Errorf("failed to write policy config %s: %w", key, err)
	}
	return nil
}

// SelectAction implements engine.ActionSelector. When no policy decides it
// returns engine.ActionNone.
func (e *Engine) SelectAction(ctx context.Context, in engine.SelectionInput) (engine.ActionCode, error) {
	d, err := e.Decide(ctx, in)
	if err != nil {
		return engine.ActionNone, err
	}
	if d == nil {
		return engine.ActionNone, nil
	}
	return d.Action, nil
}

// Decide evaluates enabled policies by descending priority and returns the
// first decision naming a legal action, or nil.
func (e *Engine) Decide(ctx context.Context, in engine.SelectionInput) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		SelectionInput: in,
		Context: &Context{
			Timestamp:   startTime,
			Environment: e.environment,
		},
	}

	for _, cp := range e.ordered() {
		if !cp.policy.Enabled {
			continue
		}

		d, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("operation", in.Operation).
				Msg("Policy evaluation failed")
			continue
		}
		if d == nil {
			continue
		}
		if !slices.Contains(in.Legal, d.Action.String()) {
			e.logger.Warn().
				Str("policy", cp.policy.Name).
				Str("action", d.Action.String()).
				Strs("legal", in.Legal).
				Msg("Policy proposed an action outside the legal set")
			continue
		}

		d.Duration = time.Since(startTime)
		e.logger.Debug().
			Str("policy", d.Policy).
			Str("operation", in.Operation).
			Str("action", d.Action.String()).
			Str("reason", d.Reason).
			Dur("duration", d.Duration).
			Msg("Policy decided action")
		return d, nil
	}

	e.logger.Debug().
		Str("operation", in.Operation).
		Str("trigger", string(in.Trigger)).
		Msg("No policy decided an action")
	return nil, nil
}

// ordered returns compiled policies by descending priority, then name.
func (e *Engine) ordered() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].policy.Priority != out[j].policy.Priority {
			return out[i].policy.Priority > out[j].policy.Priority
		}
		return out[i].policy.Name < out[j].policy.Name
	})
	return out
}

// evaluatePolicy evaluates a single compiled policy. A policy whose decision
// is undefined yields nil.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) (*Decision, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	return createDecision(cp.policy, results[0].Expressions[0].Value)
}

// createDecision builds a Decision from a policy result.
func createDecision(policy *Policy, result interface{}) (*Decision, error) {
	d := &Decision{Policy: policy.Name}

	var name string
	switch v := result.(type) {
	case string:
		name = v
	case map[string]interface{}:
		name, _ = v["action"].(string)
		d.Reason, _ = v["reason"].(string)
	default:
		return nil, fmt.Errorf("unexpected decision type %T", result)
	}

	action, err := engine.ParseAction(name)
	if err != nil {
		return nil, fmt.Errorf("invalid decision action %q: %w", name, err)
	}
	d.Action = action
	return d, nil
}

// queryFor returns the decision query of module.
func queryFor(module *ast.Module) string {
	return module.Package.Path.String() + ".decision"
}

// LoadPolicies loads policy files and compiles them next to the loaded ones.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every user policy for policies. Nothing changes if
// any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("User policies replaced")
	return nil
}

// Watch reloads the user policies under paths whenever they change, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// StopWatching ends a Watch started on this engine.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// compile parses and prepares a policy.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(queryFor(module)),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", queryFor(cp.module)).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies in evaluation order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ordered := e.ordered()
	policies := make([]Policy, 0, len(ordered))
	for _, cp := range ordered {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// ReloadPolicies drops user policies and recompiles the built-in ones.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	e.builtinPolicies = GetBuiltinPolicies()
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().
		Str("policy", name).
		Bool("enabled", enabled).
		Msg("Policy state changed")

	return nil
}
