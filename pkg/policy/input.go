package policy

import (
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

// NewPlanInput summarizes p for policy evaluation. md, when set, supplies
// the tags of the entries the leaves act on.
func NewPlanInput(p *plan.Plan, md *delta.SystemModelDelta) *PlanInput {
	meta := p.Metadata()
	in := &PlanInput{
		ID:        p.ID(),
		Type:      meta[plan.MetaPlanType],
		Fabric:    meta[plan.MetaFabric],
		LeafCount: p.LeafStepsCount(),
		Actions:   make([]ActionInput, 0, p.LeafStepsCount()),
	}

	for _, leaf := range p.LeafSteps() {
		action := leaf.Action()
		ai := ActionInput{
			StepID:     leaf.ID(),
			Name:       action.Name,
			Kind:       action.Value(planner.ValueKind),
			Agent:      action.Value(planner.ValueAgent),
			MountPoint: action.Value(planner.ValueMountPoint),
			Entry:      action.Value(planner.ValueEntry),
			FromState:  action.Value(planner.ValueFromState),
			ToState:    action.Value(planner.ValueToState),
			Skipped:    action.Name == planner.ActionNoop,
		}
		if md != nil && ai.Entry != "" {
			ai.Tags = entryTags(md, ai.Entry)
		}
		in.Actions = append(in.Actions, ai)
	}
	return in
}

func entryTags(md *delta.SystemModelDelta, entry string) []string {
	key, err := model.ParseKey(entry)
	if err != nil {
		return nil
	}
	ed := md.FindEntryDelta(key)
	if ed == nil {
		return nil
	}
	var tags []string
	seen := make(map[string]bool)
	for _, e := range []*model.SystemEntry{ed.ExpectedEntry(), ed.CurrentEntry()} {
		if e == nil {
			continue
		}
		for _, t := range e.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}
