package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/drivers/sim"
	"github.com/orbitloop/orbitloop/pkg/policy"
	"github.com/orbitloop/orbitloop/pkg/prompt"
)

func newValidateCommand() *cobra.Command {
	var (
		scenario string
		policies []string
	)

	cmd := &cobra.Command{
		Use:   "validate <layers.cue...>",
		Short: "Validate option layers, scenarios and policies",
		Long: `Validate CUE option layer files against the layer schema.

This command checks:
  - CUE syntax validity
  - Schema conformance of defaults, interface and item layers
  - Action names and value formats
  - Optionally a simulator scenario and Rego action policies`,
		Example: `  # Validate a layer directory
  orbit validate ./layers

  # Validate layers together with a scenario and policies
  orbit validate layers/power.cue --scenario sim/power.yaml --policy policies/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			log.Info().
				Strs("paths", args).
				Str("scenario", scenario).
				Strs("policies", policies).
				Msg("Validating configuration")

			failed := false
			stack, err := config.NewLoader(zerolog.Nop()).Load(args...)
			if err != nil {
				failed = true
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintln(out, prompt.Styles.Error.Render("✗ ")+v.String())
					}
				} else {
					fmt.Fprintln(out, prompt.Styles.Error.Render("✗ ")+err.Error())
				}
			} else {
				fmt.Fprintf(out, "%s layers: %d interface(s), %d item(s)\n",
					prompt.Styles.Success.Render("✓"), len(stack.Interfaces), len(stack.Items))
			}

			if scenario != "" {
				sc, err := sim.LoadScenario(scenario)
				if err != nil {
					failed = true
					fmt.Fprintln(out, prompt.Styles.Error.Render("✗ ")+err.Error())
				} else {
					fmt.Fprintf(out, "%s scenario %s: %d parameter(s), %d command(s)\n",
						prompt.Styles.Success.Render("✓"), sc.Name, len(sc.Parameters), len(sc.Commands))
				}
			}

			if len(policies) > 0 {
				policyEngine, err := policy.NewEngine(zerolog.Nop())
				if err == nil {
					err = policyEngine.LoadPolicies(ctx, policies)
				}
				if err != nil {
					failed = true
					fmt.Fprintln(out, prompt.Styles.Error.Render("✗ ")+err.Error())
				} else {
					fmt.Fprintf(out, "%s policies: %d loaded\n",
						prompt.Styles.Success.Render("✓"), len(policyEngine.ListPolicies()))
				}
			}

			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scenario, "scenario", "s", "", "also validate a simulator scenario")
	cmd.Flags().StringSliceVarP(&policies, "policy", "p", nil, "also compile Rego action policies")

	return cmd
}
