// Package config resolves the options closed-loop operations run with.
//
// # Overview
//
// Options are layered. From lowest to highest precedence:
//
//  1. built-in defaults (engine.DefaultOptions)
//  2. global defaults from layer files
//  3. per-interface overrides
//  4. per-item overrides
//  5. call-site options (expression definitions, procedure keyword arguments)
//
// A Layer is a partial option set whose nil fields are unset. Merge overlays
// layers explicitly, and Resolve turns the result into an immutable
// engine.Options snapshot validated with go-playground/validator.
//
// # Layer files
//
// Layer files are CUE documents checked against the built-in #File schema:
//
//	defaults: {
//	    retries: 2
//	    timeout: "5s"
//	    on_failure: ["ABORT", "RECHECK", "SKIP"]
//	}
//	interfaces: SIM: tolerance: 0.01
//	items: BATT_V: {
//	    tolerance: 0.05
//	    value_format: "ENG"
//	}
//
// Loader reads files and directories into a Stack. Watcher keeps a Stack
// current by reloading on file changes (fsnotify, debounced).
//
// # Usage Example
//
//	loader := config.NewLoader(logger)
//	stack, err := loader.Load("layers.cue")
//	if err != nil {
//	    return err
//	}
//	opts, err := stack.Resolve("SIM", "BATT_V", config.Layer{Retries: config.Int(3)})
package config
