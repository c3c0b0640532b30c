package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded executions",
		Long: `List the executions recorded in the history store, most recent first.

Use 'history show' for the report and step events of one execution and
'history audit' for the audit trail.`,
		Example: `  # Last executions of the configured fabric
  orchestra history

  # Failed executions only
  orchestra history --status FAILED`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			execs, err := s.store.ListExecutions(cmd.Context(), stores.ExecutionFilter{
				Fabric: s.cfg.Fabric,
				Status: stores.ExecutionStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), execs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOPERATION\tSTATUS\tLEAVES\tSTARTED\tDURATION")
			for _, e := range execs {
				duration := "-"
				if e.EndedAt != nil {
					duration = e.EndedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.PlanType, e.Status, e.LeafSteps, e.StartedAt.Format(time.RFC3339), duration)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only executions with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryAuditCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show the report of one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			exec, err := s.store.GetExecution(cmd.Context(), args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no execution %s", args[0])
			}
			if err != nil {
				return err
			}

			var stepEvents []*stores.StepEvent
			if events {
				if stepEvents, err = s.store.ListStepEvents(cmd.Context(), exec.ID); err != nil {
					return err
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"execution": exec, "events": stepEvents})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s %s\n", exec.ID, exec.PlanName, exec.Status)
			if exec.Error != nil {
				fmt.Fprintf(w, "error: %s\n", *exec.Error)
			}
			if exec.ReportXML != nil {
				fmt.Fprintln(w, *exec.ReportXML)
			}
			for _, e := range stepEvents {
				fmt.Fprintf(w, "%s %-10s %s %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Kind, deref(e.StepID), deref(e.Status))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "list the step events")

	return cmd
}

func newHistoryAuditCommand() *cobra.Command {
	var (
		action string
		who    string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.store.ListAuditEntries(cmd.Context(), optional(action), optional(who), limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, deref(e.TargetID), deref(e.Details))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&who, "by", "", "only entries of this actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
