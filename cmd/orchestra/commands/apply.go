package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/orchestrator"
)

func newApplyCommand() *cobra.Command {
	var (
		flags      requestFlags
		timeout    time.Duration
		reportFile string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and execute an operation",
		Long: `Plan an operation and execute it.

This command:
  - Plans the operation like 'plan' does
  - Refuses plans denied by an enforcing policy
  - Executes the plan through the agents, retrying failed actions
  - Records the execution, its step events and the report in the history store

An interrupt cancels the execution: steps not started are skipped and
running actions are interrupted.`,
		Example: `  # Deploy the fabric
  orchestra apply

  # Bounce the web entries, giving up after ten minutes
  orchestra apply --operation bounce --tag web --timeout 10m

  # Keep the XML report
  orchestra apply --report report.xml`,
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

			run, err := s.orch.Apply(cmd.Context(), req)
			if err != nil {
				return err
			}
			printPolicyResult(cmd.ErrOrStderr(), run.Planned.Policy)
			log.Info().
				Str("plan_id", run.Plan().ID()).
				Str("operation", req.Operation).
				Int("leaf_steps", run.Plan().LeafStepsCount()).
				Msg("Applying plan")

			status, err := waitForRun(cmd.Context(), run, timeout)
			if err != nil {
				return err
			}

			if reportFile != "" {
				if err := os.WriteFile(reportFile, []byte(run.Report()), 0o644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), newRunView(run, status))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Execution %s: %s\n", run.Plan().ID(), status)
			if !status.IsSuccess() {
				return fmt.Errorf("execution %s finished with status %s", run.Plan().ID(), status)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the execution after this long (0 waits forever)")
	cmd.Flags().StringVar(&reportFile, "report", "", "write the XML status report to this file")

	return cmd
}

// waitForRun waits for the execution, cancelling it when ctx is done or the
// timeout elapses, and returns once its history has been written.
func waitForRun(ctx context.Context, run *orchestrator.Run, timeout time.Duration) (engine.CompletionStatus, error) {
	if timeout > 0 {
		go func() {
			if _, err := run.WaitForCompletionTimeout(timeout); errors.Is(err, engine.ErrTimeout) {
				log.Warn().Dur("timeout", timeout).Msg("Execution timed out, cancelling")
				run.Cancel(true)
			}
		}()
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		log.Warn().Msg("Cancelling execution")
		run.Cancel(true)
	}
	return run.Wait(context.Background())
}

type stepResultView struct {
	StepID   string                  `json:"stepId"`
	Status   engine.CompletionStatus `json:"status"`
	Error    string                  `json:"error,omitempty"`
	Duration string                  `json:"duration,omitempty"`
}

type runView struct {
	ID      string                  `json:"id"`
	Status  engine.CompletionStatus `json:"status"`
	Results []stepResultView        `json:"results"`
}

func newRunView(run *orchestrator.Run, status engine.CompletionStatus) runView {
	v := runView{ID: run.Plan().ID(), Status: status, Results: []stepResultView{}}
	for _, r := range run.Results() {
		sv := stepResultView{StepID: r.StepID, Status: r.Status}
		if r.Err != nil {
			sv.Error = r.Err.Error()
		}
		if !r.StartTime.IsZero() && !r.EndTime.IsZero() {
			sv.Duration = r.EndTime.Sub(r.StartTime).String()
		}
		v.Results = append(v.Results, sv)
	}
	return v
}
