// Package procedure runs Starlark procedures against a ground system.
//
// A procedure is a plain Starlark script. Besides the Starlark built-ins,
// the host predeclares:
//
//	verify(cond, **cfg)                       verify telemetry
//	send(cmd, args={}, verify=None, **cfg)    send a telecommand
//	get_tm(name, **cfg)                       read a telemetry value
//	sleep(seconds)
//	abort(reason)
//	eq neq lt le gt ge bw nbw                 comparators
//	AND OR                                    group markers
//	ABORT REPEAT RESEND RECHECK SKIP NOACTION HANDLE CANCEL
//	execution_id
//
// Conditions are nested lists, for example
//
//	verify([OR, ["MODE", eq, "SAFE"], ["BATT_V", bw, 27.0, 29.5, {"tolerance": 0.1}]])
//
// Keyword arguments are option overrides (retries, timeout, on_failure,
// give_choice, ...) merged over the configured layers. Action constants
// combine with "|". With give_choice=True an operation returns a
// (value, action) tuple. A failure resolved with HANDLE stops the script
// with an error describing it.
package procedure
