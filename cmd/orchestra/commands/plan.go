package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/orchestrator"
	"github.com/openfroyo/orchestra/pkg/policy"
)

func newPlanCommand() *cobra.Command {
	var (
		flags   requestFlags
		format  string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate an execution plan",
		Long: `Generate the plan of an operation.

The plan:
  - Loads the expected and current system models
  - Computes their delta
  - Plans the state transitions of every entry, dependencies first
  - Groups each dependency level as a sequential or parallel step
  - Evaluates the configured policies`,
		Example: `  # Deploy plan as XML
  orchestra plan

  # Undeploy plan of two agents as JSON
  orchestra plan --operation undeploy --agent h1 --agent h2 --format json

  # Transition graph for graphviz
  orchestra plan --format dot --out plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			req.DryRun = true
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			planned, err := s.orch.Plan(cmd.Context(), req)
			if err != nil {
				return err
			}
			out, err := renderPlan(planned, format)
			if err != nil {
				return err
			}

			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(out), 0o644); err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
				log.Info().Str("out", outFile).Str("plan_id", planned.Plan.ID()).Msg("Plan written")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			printPolicyResult(cmd.ErrOrStderr(), planned.Policy)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "xml", "output format (xml, json, dot)")
	cmd.Flags().StringVar(&outFile, "out", "", "write the plan to this file instead of stdout")

	return cmd
}

func renderPlan(planned *orchestrator.Planned, format string) (string, error) {
	switch format {
	case "xml":
		return planned.Plan.ToXML()
	case "json":
		data, err := planned.Plan.MarshalJSON()
		return string(data), err
	case "dot":
		return planned.Transitions.ToDOT()
	default:
		return "", fmt.Errorf("unknown format %q, expected xml, json or dot", format)
	}
}

func printPolicyResult(w io.Writer, res *policy.PolicyResult) {
	if res == nil {
		return
	}
	for _, v := range res.Violations {
		fmt.Fprintf(w, "DENY %s\n", v)
	}
	for _, v := range res.Warnings {
		fmt.Fprintf(w, "WARN %s\n", v)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "FAIL %s\n", f)
	}
}
