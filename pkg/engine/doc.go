// Package engine provides the closed-loop operation runtime.
//
// The Controller wraps any fallible operation in a retry and resolution loop:
//
//	Do -> error?   -> Resolver (OnFailure) -> ABORT | REPEAT | RESEND | RECHECK | SKIP | CANCEL | NOACTION | HANDLE
//	   -> boolean? -> Resolver (OnTrue / OnFalse)
//	   -> Repeat?  -> loop
//
// The legal action set is the policy mask intersected with the hooks the
// operation implements (Repeater, Resender, Rechecker, Skipper, Canceller).
// The Resolver asks the operator through a PromptSink when allowed and
// otherwise selects automatically, consulting an ActionSelector when more
// than one action is legal.
//
// Operations run one at a time per Execution. Aborting the Execution cancels
// its context, which reaches every live verification task.
//
// Example:
//
//	exec := engine.NewExecution(ctx)
//	defer exec.Close()
//
//	resolver := engine.NewResolver(engine.WithPromptSink(console))
//	ctrl := engine.NewController(exec, resolver, publisher)
//
//	res, err := ctrl.Execute(exec.Context(), op, opts)
//	if err != nil {
//	    return err
//	}
//	if res.Kind == engine.ResultHandled {
//	    // the operator handed the failure back
//	}
package engine
