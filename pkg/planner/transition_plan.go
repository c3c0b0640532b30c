package planner

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/agents"
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/statemachine"
)

// Leaf descriptor values set by the planner.
const (
	ValueAgent         = agents.ValueAgent
	ValueMountPoint    = "mountPoint"
	ValueFabric        = agents.ValueFabric
	ValueEntry         = agents.ValueEntry
	ValueTransition    = "transition"
	ValueKind          = "kind"
	ValueFromState     = "fromState"
	ValueToState       = "toState"
	ValueScript        = "script"
	ValueSkipRootCause = "skipRootCause"
)

// MetaLevel is set on the composite grouping the transitions of one dependency level.
const MetaLevel = "level"

// TransitionPlan is the graph of transitions needed to move a system model
// delta to its target states.
type TransitionPlan struct {
	delta       *delta.SystemModelDelta
	planType    string
	agents      agents.URIProvider
	logger      zerolog.Logger
	transitions map[string]*Transition

	// occurrences holds the transitions of each entry and action in the
	// order they were created.
	occurrences map[string][]*Transition
	pending     []*Transition

	// matchStage orders related entries against the occurrence planned for
	// the same target stage. Without it every entry runs an action at most
	// once and the single occurrence is used.
	matchStage bool
}

func newTransitionPlan(md *delta.SystemModelDelta, planType string, provider agents.URIProvider, logger zerolog.Logger) *TransitionPlan {
	return &TransitionPlan{
		delta:       md,
		planType:    planType,
		agents:      provider,
		logger:      logger,
		transitions: make(map[string]*Transition),
		occurrences: make(map[string][]*Transition),
	}
}

// Delta returns the delta the plan was computed from.
func (tp *TransitionPlan) Delta() *delta.SystemModelDelta { return tp.delta }

// PlanType returns the kind of operation that produced the plan.
func (tp *TransitionPlan) PlanType() string { return tp.planType }

// Len returns the number of transitions.
func (tp *TransitionPlan) Len() int { return len(tp.transitions) }

// IsEmpty reports whether nothing needs to be done.
func (tp *TransitionPlan) IsEmpty() bool { return len(tp.transitions) == 0 }

// Find returns a transition by key, or nil.
func (tp *TransitionPlan) Find(key string) *Transition { return tp.transitions[key] }

// Transitions returns every transition sorted by key.
func (tp *TransitionPlan) Transitions() []*Transition {
	out := make([]*Transition, 0, len(tp.transitions))
	for _, k := range sortedTransitionKeys(tp.transitions) {
		out = append(out, tp.transitions[k])
	}
	return out
}

// special returns the kind of the special transition replacing every
// transition of the entry, or "" when the entry is planned normally.
func (tp *TransitionPlan) special(ed *delta.EntryDelta) Kind {
	if tp.agents != nil {
		if _, ok := tp.agents.FindAgentURI(tp.delta.Fabric(), ed.Key().Agent); !ok {
			return KindMissingAgent
		}
	}
	if cur := ed.CurrentEntry(); cur != nil {
		if _, ok := cur.TransitionState(); ok {
			return KindAlreadyInTransition
		}
	}
	return ""
}

func (tp *TransitionPlan) addSpecial(ed *delta.EntryDelta, kind Kind, virtual bool) *Transition {
	key := transitionKey(ed.Key(), string(kind))
	if t, ok := tp.transitions[key]; ok {
		if !virtual {
			t.virtual = false
		}
		return t
	}
	state := ed.CurrentState()
	t := newTransition(key, ed, kind, ActionNoop, state, state, virtual)
	tp.transitions[key] = t
	tp.logger.Debug().
		Str("transition", key).
		Str("kind", string(kind)).
		Msg("Entry collapsed to a no-op")
	return t
}

// addTransition creates the transition running action on the entry while it
// moves to the target state of the given stage. Ordering against related
// entries is added once every entry is planned.
func (tp *TransitionPlan) addTransition(ed *delta.EntryDelta, stage int, kind Kind, action, from, to string, distance int) *Transition {
	if sk := tp.special(ed); sk != "" {
		return tp.addSpecial(ed, sk, false)
	}
	t := tp.newOccurrence(ed, stage, kind, action, from, to, distance, false)
	tp.pending = append(tp.pending, t)
	return t
}

// newOccurrence registers a transition. Repeated actions of an entry get
// the keys entry/action#2, entry/action#3 and so on.
func (tp *TransitionPlan) newOccurrence(ed *delta.EntryDelta, stage int, kind Kind, action, from, to string, distance int, virtual bool) *Transition {
	base := transitionKey(ed.Key(), action)
	key := base
	if n := len(tp.occurrences[base]); n > 0 {
		key = base + "#" + strconv.Itoa(n+1)
	}
	t := newTransition(key, ed, kind, action, from, to, virtual)
	t.stage, t.distance = stage, distance
	tp.transitions[key] = t
	tp.occurrences[base] = append(tp.occurrences[base], t)
	return t
}

// related returns the transition of ed that t is ordered against, creating a
// virtual one when ed does not run t's action in that stage.
func (tp *TransitionPlan) related(ed *delta.EntryDelta, t *Transition) *Transition {
	if sk := tp.special(ed); sk != "" {
		return tp.addSpecial(ed, sk, true)
	}
	for _, o := range tp.occurrences[transitionKey(ed.Key(), t.action)] {
		if !tp.matchStage || o.stage == t.stage {
			return o
		}
	}
	v := tp.newOccurrence(ed, t.stage, t.kind, t.action, t.from, t.to, t.distance, true)
	tp.addDependencies(v)
	return v
}

// linkDependencies orders every planned transition against related entries.
func (tp *TransitionPlan) linkDependencies() {
	for _, t := range tp.pending {
		tp.addDependencies(t)
	}
	tp.pending = nil
}

// addDependencies orders t after the matching transition of its expected
// parent when going up, or after the ones of its current children when
// tearing down.
func (tp *TransitionPlan) addDependencies(t *Transition) {
	ed := t.entry
	if t.distance > 0 {
		exp := ed.ExpectedEntry()
		if exp == nil || !exp.HasParent() {
			return
		}
		pd := tp.delta.FindEntryDelta(exp.ParentKey())
		if pd == nil {
			return
		}
		t.runAfter(tp.related(pd, t))
		return
	}

	for _, child := range tp.delta.CurrentDependencies().Children(ed.Key()) {
		cd := tp.delta.FindEntryDelta(child)
		if cd == nil {
			continue
		}
		t.runAfter(tp.related(cd, t))
	}
}

// addPath chains the transitions moving the entry from one state to another
// after prev and returns the last one.
func (tp *TransitionPlan) addPath(ed *delta.EntryDelta, stage int, from, to string, prev *Transition) (*Transition, error) {
	if from == to {
		return prev, nil
	}
	sm := ed.StateMachine()
	hops, err := sm.FindShortestPath(from, to)
	if err != nil {
		return nil, engine.NewPermanentError("failed to compute transitions", err).
			WithCode(engine.ErrCodeValidation).
			WithEntry(ed.Key().String())
	}
	distance, err := sm.Distance(from, to)
	if err != nil {
		return nil, err
	}

	chain := func(t *Transition) {
		if prev != nil && prev != t {
			t.runAfter(prev)
		}
		prev = t
	}

	if from == statemachine.NoState {
		chain(tp.addTransition(ed, stage, KindInstallScript, ActionInstallScript, from, from, distance))
	}
	state := from
	for _, hop := range hops {
		chain(tp.addTransition(ed, stage, KindTransition, hop.Action, state, hop.To, distance))
		state = hop.To
	}
	if to == statemachine.NoState {
		chain(tp.addTransition(ed, stage, KindUninstallScript, ActionUninstallScript, to, to, distance))
	}
	return prev, nil
}

// finalize orders related entries against each other and prunes virtual
// transitions, propagating skip root causes on the way.
func (tp *TransitionPlan) finalize() error {
	tp.linkDependencies()

	g, err := newLevelGraph(tp.Transitions())
	if err != nil {
		return err
	}

	for _, t := range g.order() {
		if t.skipRootCause != nil {
			continue
		}
		for _, k := range t.ExecuteAfter() {
			if cause := t.executeAfter[k].skipRootCause; cause != nil {
				t.skipRootCause = cause
				break
			}
		}
	}

	for _, k := range sortedTransitionKeys(tp.transitions) {
		t := tp.transitions[k]
		if !t.virtual {
			continue
		}
		for _, before := range t.executeBefore {
			for _, after := range t.executeAfter {
				before.runAfter(after)
			}
		}
		for _, other := range t.executeAfter {
			other.unlink(t)
		}
		for _, other := range t.executeBefore {
			other.unlink(t)
		}
		delete(tp.transitions, k)
	}

	if err := tp.Validate(); err != nil {
		return err
	}
	tp.logger.Debug().
		Str("planType", tp.planType).
		Int("transitions", len(tp.transitions)).
		Msg("Computed transition plan")
	return nil
}

// Validate checks that every ordering edge references a transition of the
// plan and that the transitions form no cycle.
func (tp *TransitionPlan) Validate() error {
	for _, k := range sortedTransitionKeys(tp.transitions) {
		t := tp.transitions[k]
		for _, edges := range []map[string]*Transition{t.executeAfter, t.executeBefore} {
			for other, ot := range edges {
				if tp.transitions[other] != ot {
					return engine.NewInvariantError(
						fmt.Sprintf("transition %s references %s which is not part of the plan", k, other))
				}
			}
		}
	}
	_, err := newLevelGraph(tp.Transitions())
	return err
}

// Levels returns the transitions grouped by dependency level.
func (tp *TransitionPlan) Levels() ([][]*Transition, error) {
	g, err := newLevelGraph(tp.Transitions())
	if err != nil {
		return nil, err
	}
	out := make([][]*Transition, len(g.levels))
	for i, level := range g.levels {
		for _, key := range level {
			out[i] = append(out[i], g.nodes[key])
		}
	}
	return out, nil
}

// ToDOT renders the transition graph in Graphviz DOT format.
func (tp *TransitionPlan) ToDOT() (string, error) {
	g, err := newLevelGraph(tp.Transitions())
	if err != nil {
		return "", err
	}
	return g.toDOT(), nil
}

// BuildPlan materializes the transitions as a plan. Each dependency level
// becomes a composite of stepType, run one after the other.
func (tp *TransitionPlan) BuildPlan(stepType plan.StepType, opts ...plan.Option) (*plan.Plan, error) {
	if stepType != plan.StepTypeSequential && stepType != plan.StepTypeParallel {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid step type: %s", stepType), nil).
			WithCode(engine.ErrCodeValidation)
	}

	b := plan.NewBuilder(opts...)
	fabric := tp.delta.Fabric()
	b.SetMetadata(plan.MetaName, fmt.Sprintf("%s - Fabric [%s] - %s", tp.planType, fabric, stepType)).
		SetMetadata(plan.MetaFabric, fabric).
		SetMetadata(plan.MetaPlanType, tp.planType).
		SetMetadata(plan.MetaStepType, string(stepType))

	if tp.IsEmpty() {
		return b.ToPlan(), nil
	}

	if chain, ok := tp.linearChain(); ok {
		root := b.Sequential()
		for _, t := range chain {
			root.AddLeaf(tp.actionDescriptor(t))
		}
		return b.ToPlan(), nil
	}

	levels, err := tp.Levels()
	if err != nil {
		return nil, err
	}
	root := b.Sequential()
	for i, level := range levels {
		if len(level) == 1 {
			root.AddLeaf(tp.actionDescriptor(level[0]))
			continue
		}
		c := root.AddComposite(stepType).SetMetadata(MetaLevel, strconv.Itoa(i))
		for _, t := range level {
			c.AddLeaf(tp.actionDescriptor(t))
		}
	}
	return b.ToPlan(), nil
}

// linearChain returns the transitions in order when they all belong to one
// entry and form a single chain.
func (tp *TransitionPlan) linearChain() ([]*Transition, bool) {
	var head *Transition
	var entry string
	for _, t := range tp.Transitions() {
		if entry == "" {
			entry = t.EntryKey().String()
		} else if t.EntryKey().String() != entry {
			return nil, false
		}
		if len(t.executeAfter) > 1 || len(t.executeBefore) > 1 {
			return nil, false
		}
		if len(t.executeAfter) == 0 {
			if head != nil {
				return nil, false
			}
			head = t
		}
	}
	if head == nil {
		return nil, false
	}

	chain := make([]*Transition, 0, len(tp.transitions))
	for t := head; t != nil; {
		chain = append(chain, t)
		var next *Transition
		for _, n := range t.executeBefore {
			next = n
		}
		t = next
	}
	return chain, len(chain) == len(tp.transitions)
}

func (tp *TransitionPlan) actionDescriptor(t *Transition) plan.ActionDescriptor {
	key := t.EntryKey()
	values := map[string]string{
		ValueAgent:      key.Agent,
		ValueMountPoint: key.MountPoint,
		ValueFabric:     tp.delta.Fabric(),
		ValueEntry:      key.String(),
		ValueTransition: t.key,
		ValueKind:       string(t.kind),
		ValueFromState:  stateName(t.from),
		ValueToState:    stateName(t.to),
	}

	if cause := t.skipRootCause; cause != nil {
		values[ValueSkipRootCause] = cause.key
		desc := cause.Description()
		if cause != t {
			desc = fmt.Sprintf("skipped because of %s: %s", cause.EntryKey(), desc)
		}
		return plan.ActionDescriptor{Name: ActionNoop, Description: desc, Values: values}
	}

	switch t.kind {
	case KindInstallScript:
		if exp := t.entry.ExpectedEntry(); exp != nil && exp.Script != "" {
			values[ValueScript] = exp.Script
		}
	case KindUninstallScript:
		if cur := t.entry.CurrentEntry(); cur != nil && cur.Script != "" {
			values[ValueScript] = cur.Script
		}
	}
	return plan.ActionDescriptor{Name: t.action, Description: t.Description(), Values: values}
}
