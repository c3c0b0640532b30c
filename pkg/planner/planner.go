// Package planner turns a system model delta into an ordered graph of state
// machine transitions and materializes it as an executable plan.
package planner

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/agents"
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/statemachine"
)

// ExpectedStateSentinel stands for the expected state of each entry in a list
// of target states.
const ExpectedStateSentinel = "<expected>"

// Planner computes transition plans.
type Planner struct {
	agents agents.URIProvider
	logger zerolog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithAgentURIProvider makes entries of unresolvable agents collapse to
// missing agent no-ops.
func WithAgentURIProvider(provider agents.URIProvider) Option {
	return func(p *Planner) {
		p.agents = provider
	}
}

// WithLogger sets the planner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger
	}
}

// New creates a planner.
func New(opts ...Option) *Planner {
	p := &Planner{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ComputeTransitionPlan plans what it takes to bring every visible entry of
// the delta to its expected state.
func (p *Planner) ComputeTransitionPlan(md *delta.SystemModelDelta) (*TransitionPlan, error) {
	return p.computeTransitionPlan(md, PlanTypeDeploy)
}

func (p *Planner) computeTransitionPlan(md *delta.SystemModelDelta, planType string) (*TransitionPlan, error) {
	if md == nil {
		return nil, engine.NewInvariantError("cannot plan a nil delta")
	}
	tp := newTransitionPlan(md, planType, p.agents, p.logger)

	for _, ed := range md.EntryDeltas() {
		if ed.IsEmptyAgent() {
			continue
		}
		if kind := tp.special(ed); kind == KindMissingAgent {
			tp.addSpecial(ed, kind, false)
			continue
		}

		switch {
		case ed.Status() == engine.DeltaStatusExpectedState, ed.Status() == engine.DeltaStatusError:
			continue
		case ed.Status().NeedsRedeploy():
			if err := tp.addStates(ed, []string{statemachine.NoState, ExpectedStateSentinel}); err != nil {
				return nil, err
			}
		default:
			if err := tp.addStates(ed, []string{ExpectedStateSentinel}); err != nil {
				return nil, err
			}
		}
	}

	if err := tp.finalize(); err != nil {
		return nil, err
	}
	return tp, nil
}

// ComputeTransitionsToStates plans moving every visible entry matching filter
// through toStates in order. A nil filter matches every entry.
func (p *Planner) ComputeTransitionsToStates(md *delta.SystemModelDelta, toStates []string, filter delta.Filter) (*TransitionPlan, error) {
	return p.computeTransitionsToStates(md, PlanTypeTransitions, toStates, filter)
}

func (p *Planner) computeTransitionsToStates(md *delta.SystemModelDelta, planType string, toStates []string, filter delta.Filter) (*TransitionPlan, error) {
	if md == nil {
		return nil, engine.NewInvariantError("cannot plan a nil delta")
	}
	tp := newTransitionPlan(md, planType, p.agents, p.logger)
	tp.matchStage = true

	for _, ed := range md.EntryDeltas() {
		if ed.IsEmptyAgent() {
			continue
		}
		if filter != nil && !filter.Match(ed.ExpectedEntry(), ed.CurrentEntry()) {
			continue
		}
		if err := tp.addStates(ed, toStates); err != nil {
			return nil, err
		}
	}

	if err := tp.finalize(); err != nil {
		return nil, err
	}
	return tp, nil
}

// addStates chains the paths from the current state of the entry through
// each target state.
func (tp *TransitionPlan) addStates(ed *delta.EntryDelta, toStates []string) error {
	from := ed.CurrentState()
	var prev *Transition
	for stage, to := range toStates {
		if to == ExpectedStateSentinel {
			to = ed.ExpectedState()
		}
		last, err := tp.addPath(ed, stage, from, to, prev)
		if err != nil {
			return err
		}
		prev = last
		from = to
	}
	return nil
}
