package commands

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/procedure"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

func newRunCommand() *cobra.Command {
	var (
		flags   runtimeFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <procedure.star>",
		Short: "Run a procedure against the ground system",
		Long: `Run a Starlark procedure. Every verify, send and get_tm call is a
closed-loop operation: failures and unexpected results are resolved by the
configured actions, by Rego policies, or by asking the operator.

The execution, every operation and every verification step are recorded
in the history database.`,
		Example: `  # Dry run against a simulated ground system
  orbit run --scenario sim/power.yaml procedures/payload_on.star

  # Apply option layers and policies, never prompt
  orbit run -s sim/power.yaml -l layers/ -p policies/ --unattended payload_on.star

  # Answer prompts from a script and expose metrics
  orbit run -s sim/power.yaml --answers R,R,A --metrics-addr :9090 payload_on.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			ctx := cmd.Context()

			log.Info().
				Str("procedure", path).
				Str("scenario", flags.scenario).
				Strs("layers", flags.layers).
				Strs("policies", flags.policies).
				Bool("unattended", flags.unattended).
				Msg("Running procedure")

			rt, err := newRuntime(ctx, &flags, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			exec := engine.NewExecution(ctx)
			defer exec.Close()

			metadata, err := json.Marshal(map[string]any{
				"scenario":   flags.scenario,
				"layers":     flags.layers,
				"policies":   flags.policies,
				"unattended": flags.unattended,
			})
			if err != nil {
				return err
			}
			ctx = rt.begin(ctx, exec, path, string(metadata))

			evalOpts := []verify.EvaluatorOption{verify.WithMetrics(rt.tel.Metrics)}
			if rt.store != nil {
				evalOpts = append(evalOpts, verify.WithRecorder(rt.store))
			}
			host := procedure.NewHost(rt.controller(exec), rt.sim, rt.sim,
				procedure.WithTimeout(timeout),
				procedure.WithOptionSource(rt.options),
				procedure.WithLogger(rt.logger),
				procedure.WithEvaluatorOptions(evalOpts...),
			)

			res, runErr := host.RunFile(ctx, path)
			rt.end(ctx, exec, runErr)
			if runErr != nil {
				return fmt.Errorf("procedure %s failed: %w", path, runErr)
			}

			return printRunResult(cmd, exec.ID, res)
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", procedure.DefaultTimeout, "abort the procedure after this long")

	return cmd
}

func printRunResult(cmd *cobra.Command, executionID string, res *procedure.Result) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"execution_id": executionID,
			"operations":   res.Operations,
			"duration":     res.Duration.String(),
			"globals":      res.Globals,
		})
	}

	fmt.Fprintf(out, "\nExecution %s completed: %d operations in %s\n",
		executionID, res.Operations, res.Duration.Round(time.Millisecond))
	for _, name := range slices.Sorted(maps.Keys(res.Globals)) {
		fmt.Fprintf(out, "  %s = %v\n", name, res.Globals[name])
	}
	return nil
}
