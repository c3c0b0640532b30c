package plan

import "sync"

// Plan metadata keys.
const (
	MetaName     = "name"
	MetaFabric   = "fabric"
	MetaPlanType = "planType"
	MetaStepType = "stepType"
)

// Plan is an immutable tree of steps with metadata.
type Plan struct {
	id       string
	root     Step
	metadata map[string]string

	leavesOnce sync.Once
	leaves     []*LeafStep
	index      map[string]Step
}

// ID returns the plan id.
func (p *Plan) ID() string { return p.id }

// Root returns the root step, or nil for an empty plan.
func (p *Plan) Root() Step { return p.root }

// Metadata returns a copy of the plan metadata.
func (p *Plan) Metadata() map[string]string { return copyMetadata(p.metadata) }

// Name returns the plan name metadata.
func (p *Plan) Name() string { return p.metadata[MetaName] }

// LeafSteps returns the leaves in depth first order.
func (p *Plan) LeafSteps() []*LeafStep {
	p.buildIndex()
	return append([]*LeafStep(nil), p.leaves...)
}

// LeafStepsCount returns the number of leaves.
func (p *Plan) LeafStepsCount() int {
	p.buildIndex()
	return len(p.leaves)
}

// HasLeafSteps reports whether the plan has anything to execute.
func (p *Plan) HasLeafSteps() bool {
	return p.LeafStepsCount() > 0
}

// FindStep returns the step with the given id, or nil.
func (p *Plan) FindStep(id string) Step {
	p.buildIndex()
	return p.index[id]
}

func (p *Plan) buildIndex() {
	p.leavesOnce.Do(func() {
		p.index = make(map[string]Step)
		if p.root == nil {
			return
		}
		_ = p.root.Walk(func(s Step) error {
			p.index[s.ID()] = s
			if leaf, ok := s.(*LeafStep); ok {
				p.leaves = append(p.leaves, leaf)
			}
			return nil
		})
	})
}

// Walk walks every step of the plan.
func (p *Plan) Walk(fn WalkFunc) error {
	if p.root == nil {
		return nil
	}
	return p.root.Walk(fn)
}
