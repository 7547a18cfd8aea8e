package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/operations"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// errCheckFailed is returned when a one-shot verification evaluates to false.
var errCheckFailed = errors.New("verification failed")

func newCheckCommand() *cobra.Command {
	var (
		flags      runtimeFlags
		retries    int
		tolerance  float64
		ignoreCase bool
		strict     bool
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "check <param> <op> <value...>",
		Short: "Verify one telemetry condition",
		Long: `Verify a single telemetry condition as a closed-loop operation.

Operators: eq, neq, lt, le, gt, ge, bw (between), nbw (not between).
Values are parsed as YAML scalars, so 28.5 is a number, ON is a string
and "28.5" is a string. A comma-separated value is a set of alternatives.

The command exits non-zero when the condition is false.`,
		Example: `  # Battery voltage above 27.5 V, up to 5 re-fetches
  orbit check -s sim/power.yaml BATT_V ge 27.5 --retries 5

  # Temperature inside a band
  orbit check -s sim/power.yaml TEMP bw 15 25

  # Mode is either of two values
  orbit check -s sim/power.yaml MODE eq NOMINAL,SAFE --ignore-case`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cmp, err := verify.ParseComparator(args[1])
			if err != nil {
				return err
			}
			expected := make([]any, 0, len(args)-2)
			for _, arg := range args[2:] {
				v, err := parseValue(arg)
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", arg, err)
				}
				expected = append(expected, v)
			}

			var layer config.Layer
			if cmd.Flags().Changed("retries") {
				layer.Retries = config.Int(retries)
			}
			if cmd.Flags().Changed("tolerance") {
				layer.Tolerance = config.Float(tolerance)
			}
			if cmd.Flags().Changed("ignore-case") {
				layer.IgnoreCase = config.Bool(ignoreCase)
			}
			if cmd.Flags().Changed("strict") {
				layer.Strict = config.Bool(strict)
			}
			if cmd.Flags().Changed("wait") {
				layer.Wait = config.Bool(wait)
			}
			leaf := verify.Leaf(args[0], cmp, expected...).With(layer)
			if err := verify.Validate(leaf); err != nil {
				return err
			}

			log.Info().
				Str("condition", leaf.String()).
				Str("scenario", flags.scenario).
				Msg("Checking condition")

			rt, err := newRuntime(ctx, &flags, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			exec := engine.NewExecution(ctx)
			defer exec.Close()
			ctx = rt.begin(ctx, exec, "check "+leaf.String(), "{}")

			ev := verify.NewEvaluator(rt.sim, rt.evaluatorOptions(exec)...)
			op := operations.NewVerify(leaf, ev, rt.logger)
			opts, err := rt.options.Resolve("", args[0], layer)
			if err != nil {
				rt.end(ctx, exec, err)
				return err
			}

			res, err := rt.controller(exec).Execute(ctx, op, opts)
			if err == nil && res.Kind == engine.ResultHandled {
				err = res.Handled
			}
			if err == nil && !res.Bool() {
				err = errCheckFailed
			}
			rt.end(ctx, exec, err)

			if jsonOutput {
				if last := op.Last(); last != nil {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(last.Report); encErr != nil {
						return encErr
					}
				}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", leaf, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d attempt(s))\n", leaf, res.Attempts)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&retries, "retries", 2, "re-fetches before a step gives up")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0, "absolute tolerance for numeric comparisons")
	cmd.Flags().BoolVar(&ignoreCase, "ignore-case", false, "compare strings case-insensitively")
	cmd.Flags().BoolVar(&strict, "strict", false, "exclusive bounds for bw and nbw")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a fresh sample before the first comparison")

	return cmd
}

// parseValue decodes a command-line value as a YAML scalar. A value with
// commas becomes a list of alternatives.
func parseValue(s string) (any, error) {
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			v, err := parseValue(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	}

	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if i, ok := v.(int); ok {
		return int64(i), nil
	}
	return v, nil
}
