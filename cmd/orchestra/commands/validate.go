package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [model...]",
		Short: "Validate system model files",
		Long: `Validate system model files against the model schema.

This command checks:
  - YAML, JSON and CUE syntax
  - Schema conformance of every entry
  - Starlark generated values
  - Entry keys and parent references

Without arguments the expected and current models of the configuration
are validated.`,
		Example: `  # Validate the configured models
  orchestra validate

  # Validate one file, failing on warnings too
  orchestra validate --strict ./models/expected.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			paths := args
			if len(paths) == 0 {
				paths = []string{s.cfg.Models.Expected, s.cfg.Models.Current}
			}

			var reports []*config.ParsedModel
			failed := false
			for _, path := range paths {
				pm, err := s.orch.Loader().Parse(cmd.Context(), []string{path})
				if err != nil {
					return err
				}
				if _, err := pm.Model(); err != nil {
					failed = true
				}
				if strict && len(pm.Errors) > 0 {
					failed = true
				}
				reports = append(reports, pm)
				log.Debug().Str("path", path).Int("problems", len(pm.Errors)).Msg("Model validated")
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
			} else {
				for i, pm := range reports {
					if len(pm.Errors) == 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", paths[i])
						continue
					}
					for _, e := range pm.Errors {
						fmt.Fprintln(cmd.OutOrStdout(), e)
					}
				}
			}
			if failed {
				return fmt.Errorf("model validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}
