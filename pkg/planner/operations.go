package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/statemachine"
)

// Plan types.
const (
	PlanTypeDeploy       = "deploy"
	PlanTypeBounce       = "bounce"
	PlanTypeRedeploy     = "redeploy"
	PlanTypeUndeploy     = "undeploy"
	PlanTypeAgentUpgrade = "agentUpgrade"
	PlanTypeTransitions  = "transitions"
)

// Operation describes a deployment operation: which entries the delta is
// restricted to and which states they are driven through. An operation
// without target states fixes every mismatch.
type Operation struct {
	Name     string
	Filter   delta.Filter
	ToStates []string
}

// Deploy brings every entry to its expected state.
var Deploy = Operation{Name: PlanTypeDeploy}

// Bounce stops and restarts entries running in both models.
var Bounce = Operation{
	Name:     PlanTypeBounce,
	Filter:   delta.BounceFilter,
	ToStates: []string{statemachine.StateStopped, ExpectedStateSentinel},
}

// Redeploy uninstalls and reinstalls every expected entry.
var Redeploy = Operation{
	Name:     PlanTypeRedeploy,
	Filter:   delta.RedeployFilter,
	ToStates: []string{statemachine.NoState, ExpectedStateSentinel},
}

// Undeploy uninstalls every deployed entry.
var Undeploy = Operation{
	Name:     PlanTypeUndeploy,
	Filter:   delta.UndeployFilter,
	ToStates: []string{statemachine.NoState},
}

// AgentUpgrade runs the self-upgrade entries of the given agents, or of all
// agents, up to upgraded and then removes them.
func AgentUpgrade(agents ...string) Operation {
	return Operation{
		Name:     PlanTypeAgentUpgrade,
		Filter:   delta.AgentUpgradeFilter(agents...),
		ToStates: []string{statemachine.StateUpgraded, statemachine.NoState},
	}
}

// LookupOperation returns the operation with the given name.
func LookupOperation(name string, agents ...string) (Operation, error) {
	switch name {
	case PlanTypeDeploy:
		return Deploy, nil
	case PlanTypeBounce:
		return Bounce, nil
	case PlanTypeRedeploy:
		return Redeploy, nil
	case PlanTypeUndeploy:
		return Undeploy, nil
	case PlanTypeAgentUpgrade:
		return AgentUpgrade(agents...), nil
	default:
		return Operation{}, engine.NewPermanentError(
			fmt.Sprintf("unknown operation %q, expected one of %s", name, strings.Join(OperationNames(), ", ")), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// OperationNames lists the names accepted by LookupOperation.
func OperationNames() []string {
	names := []string{PlanTypeDeploy, PlanTypeBounce, PlanTypeRedeploy, PlanTypeUndeploy, PlanTypeAgentUpgrade}
	sort.Strings(names)
	return names
}

// Plan computes the transition plan of an operation. The delta should have
// been computed with the operation filter.
func (p *Planner) Plan(md *delta.SystemModelDelta, op Operation) (*TransitionPlan, error) {
	if op.ToStates == nil {
		return p.computeTransitionPlan(md, op.Name)
	}
	return p.computeTransitionsToStates(md, op.Name, op.ToStates, op.Filter)
}

// SelfUpgradeEntry returns the entry an agent installs to upgrade itself to
// a version. Coordinates locate the new agent distribution.
func SelfUpgradeEntry(agent, version string, coordinates map[string]any) *model.SystemEntry {
	params := map[string]any{"version": version}
	for k, v := range coordinates {
		params[k] = v
	}
	return &model.SystemEntry{
		Agent:          agent,
		MountPoint:     statemachine.SelfUpgradeMountPoint + "/" + version,
		EntryState:     statemachine.StateUpgraded,
		InitParameters: params,
	}
}
