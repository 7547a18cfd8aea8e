// Package policy selects recovery actions with Open Policy Agent.
//
// When an operation fails or evaluates to a boolean, several actions may be
// legal. If the operator is not asked, the resolver hands an
// engine.SelectionInput to an engine.ActionSelector; Engine implements that
// interface by evaluating Rego policies.
//
// # Writing policies
//
// Every policy module defines a "decision" rule producing an object with an
// "action" name and an optional "reason":
//
//	package site.actions.payload
//
//	import rego.v1
//
//	decision := {"action": "SKIP", "reason": "payload reads are advisory"} if {
//		input.trigger == "failure"
//		startswith(input.operation, "get PAYLOAD_")
//		"SKIP" in input.legal
//	}
//
// The input document carries operation, kind, trigger ("failure", "true" or
// "false"), error_class, error_code, attempt and legal, plus a context
// object with the evaluation timestamp and environment.
//
// Policies are evaluated by descending priority. The first decision whose
// action is in input.legal wins. A policy whose decision is undefined, or
// names an action outside the legal set, is passed over.
//
// # Built-in policies
//
//   - transient-retry: retries data errors and rejected commands while
//     attempt <= data.orbitloop.config.max_attempts
//   - settling-recheck: rechecks a false verification while
//     attempt <= data.orbitloop.config.settle_attempts
//   - invalid-read-skip: skips telemetry reads flagged INVALID_VALUE
//   - safe-fallback: aborts, or cancels when abort is not legal
//
// User policies default to PriorityUser and so run before the built-ins.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//		return err
//	}
//	resolver := engine.NewResolver(engine.WithActionSelector(eng))
//
// Engine.Watch reloads user policies when files under the given paths
// change.
package policy
