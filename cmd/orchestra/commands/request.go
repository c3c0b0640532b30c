package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/orchestrator"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

// requestFlags are the flags selecting what to plan.
type requestFlags struct {
	operation string
	agents    []string
	tags      []string
	stepType  string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.operation, "operation", "o", planner.PlanTypeDeploy,
		"operation to plan ("+strings.Join(planner.OperationNames(), ", ")+")")
	cmd.Flags().StringSliceVarP(&f.agents, "agent", "a", nil, "limit to entries of these agents")
	cmd.Flags().StringSliceVarP(&f.tags, "tag", "t", nil, "limit to entries carrying one of these tags")
	cmd.Flags().StringVar(&f.stepType, "step-type", "", "grouping of a dependency level (sequential, parallel)")
}

func (f *requestFlags) request() (orchestrator.Request, error) {
	req := orchestrator.Request{Operation: f.operation}
	switch plan.StepType(f.stepType) {
	case "", plan.StepTypeSequential, plan.StepTypeParallel:
		req.StepType = plan.StepType(f.stepType)
	default:
		return req, fmt.Errorf("invalid step type %q", f.stepType)
	}

	var entries []model.Filter
	// agentUpgrade restricts its own filter to the named agents.
	if f.operation == planner.PlanTypeAgentUpgrade {
		req.Agents = f.agents
	} else if len(f.agents) > 0 {
		entries = append(entries, agentsFilter(f.agents))
	}
	if len(f.tags) > 0 {
		entries = append(entries, model.TagsFilter{Tags: f.tags, Any: true})
	}
	if match := model.And(entries...); match != nil {
		req.Filter = delta.FilterFunc(func(expected, current *model.SystemEntry) bool {
			if expected != nil {
				return match.Match(expected)
			}
			return match.Match(current)
		})
	}
	return req, nil
}

// agentsFilter matches the entries of any of agents.
func agentsFilter(agents []string) model.Filter {
	or := model.LogicFilter{Op: model.LogicOr}
	for _, a := range agents {
		or.Filters = append(or.Filters, model.AgentFilter(a))
	}
	return or
}
