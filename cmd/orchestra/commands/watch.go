package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Recompute the delta whenever a model file changes",
		Long: `Watch the expected and current model files and print the delta each
time one of them changes. Policy files are reloaded as they change.

When metrics are enabled the delta summary is exported until the
command is interrupted.`,
		Example: `  # Follow the deploy delta
  orchestra watch

  # Follow the database entries only
  orchestra watch --tag db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			if s.cfg.Telemetry.Metrics.Enabled {
				s.tel.StartMetricsServer()
			}

			updates, err := s.orch.Watch(cmd.Context(), req)
			if err != nil {
				return err
			}
			log.Info().
				Str("expected", s.cfg.Models.Expected).
				Str("current", s.cfg.Models.Current).
				Msg("Watching models")

			for u := range updates {
				if u.Err != nil {
					log.Error().Err(u.Err).Msg("Delta not recomputed")
					continue
				}
				if err := printDelta(cmd.OutOrStdout(), newDeltaView(u.Delta)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}
