package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
)

type entryDeltaView struct {
	Entry         string             `json:"entry"`
	Status        engine.DeltaStatus `json:"status"`
	State         engine.DeltaState  `json:"state"`
	ExpectedState string             `json:"expectedState"`
	CurrentState  string             `json:"currentState"`
	Keys          []string           `json:"keys,omitempty"`
}

type deltaView struct {
	Fabric      string                     `json:"fabric"`
	Summary     map[engine.DeltaStatus]int `json:"summary"`
	HasErrors   bool                       `json:"hasErrors"`
	Entries     []entryDeltaView           `json:"entries"`
	EmptyAgents []string                   `json:"emptyAgents,omitempty"`
}

func newDeltaView(md *delta.SystemModelDelta) deltaView {
	v := deltaView{
		Fabric:    md.Fabric(),
		Summary:   md.Summary(),
		HasErrors: md.HasErrorDelta(),
		Entries:   []entryDeltaView{},
	}
	for _, ed := range md.EntryDeltas() {
		v.Entries = append(v.Entries, entryDeltaView{
			Entry:         ed.Key().String(),
			Status:        ed.Status(),
			State:         ed.State(),
			ExpectedState: ed.ExpectedState(),
			CurrentState:  ed.CurrentState(),
			Keys:          ed.DeltaKeys(),
		})
	}
	for _, ed := range md.EmptyAgents() {
		v.EmptyAgents = append(v.EmptyAgents, ed.Key().Agent)
	}
	return v
}

func printDelta(w io.Writer, v deltaView) error {
	if jsonOutput {
		return printJSON(w, v)
	}

	fmt.Fprintf(w, "Fabric %s\n\n", v.Fabric)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tSTATUS\tEXPECTED\tCURRENT\tKEYS")
	for _, e := range v.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", e.Entry, e.Status, orNone(e.ExpectedState), orNone(e.CurrentState), e.Keys)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	statuses := make([]string, 0, len(v.Summary))
	for s := range v.Summary {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintln(w)
	for _, s := range statuses {
		fmt.Fprintf(w, "%-18s %d\n", s, v.Summary[engine.DeltaStatus(s)])
	}
	if len(v.EmptyAgents) > 0 {
		fmt.Fprintf(w, "Empty agents: %v\n", v.EmptyAgents)
	}
	return nil
}

func orNone(state string) string {
	if state == "" {
		return "-"
	}
	return state
}

func newDeltaCommand() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Compare the expected and current models",
		Long: `Compute the delta between the expected and the current system model.

Each entry is classified (expectedState, notDeployed, unexpected,
notExpectedState, delta, error, parentDelta). The operation restricts
the entries considered the same way planning does.`,
		Example: `  # Delta of the whole fabric
  orchestra delta

  # Entries a bounce would touch, as JSON
  orchestra delta --operation bounce --json`,
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

			expected, current, err := s.orch.LoadModels(cmd.Context())
			if err != nil {
				return err
			}
			md, _, err := s.orch.Delta(cmd.Context(), expected, current, req)
			if err != nil {
				return err
			}
			return printDelta(cmd.OutOrStdout(), newDeltaView(md))
		},
	}
	flags.register(cmd)

	return cmd
}
