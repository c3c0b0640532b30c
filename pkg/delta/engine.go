// Package delta compares an expected system model with the current one and
// classifies every entry that differs.
package delta

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
)

// Engine computes system model deltas.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for delta diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a delta engine using cfg as inclusion rule.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the inclusion rule of the engine.
func (e *Engine) Config() Config { return e.cfg }

// ComputeDelta compares the (filtered) expected and current models. The
// optional filter further restricts the keys taken into account.
func (e *Engine) ComputeDelta(expected, current *model.SystemModel, filter Filter) (*SystemModelDelta, error) {
	if expected == nil || current == nil {
		return nil, engine.NewInvariantError("both expected and current models are required")
	}
	if expected.GetFabric() != current.GetFabric() {
		return nil, engine.NewInvariantError(
			fmt.Sprintf("fabric mismatch: expected=%s current=%s", expected.GetFabric(), current.GetFabric())).
			WithDetail("expectedFabric", expected.GetFabric()).
			WithDetail("currentFabric", current.GetFabric())
	}

	filtered := filteredKeys(expected, current, filter)

	md := &SystemModelDelta{
		expected:    expected,
		current:     current,
		deltas:      make(map[model.Key]*EntryDelta),
		expectedDep: model.BuildDependencies(expected.Unfiltered()),
		currentDep:  model.BuildDependencies(current.Unfiltered()),
	}

	for k := range md.requiredKeys(filtered) {
		ed, err := NewEntryDelta(e.cfg, expected.FindEntry(k), current.FindEntry(k))
		if err != nil {
			return nil, err
		}
		ed.dependent = !filtered[k]
		md.deltas[k] = ed
	}

	order := md.topDownKeys()
	if err := e.removeOrphanedChildren(md, order); err != nil {
		return nil, err
	}
	propagateParentDelta(md, order)
	if err := e.raiseParents(md, order); err != nil {
		return nil, err
	}

	md.emptyAgents = emptyAgents(expected, current)

	e.logger.Debug().
		Str("fabric", expected.GetFabric()).
		Int("filtered", len(filtered)).
		Int("required", len(md.deltas)).
		Int("emptyAgents", len(md.emptyAgents)).
		Bool("hasErrorDelta", md.HasErrorDelta()).
		Msg("Computed system model delta")

	return md, nil
}

// filteredKeys is the union of the keys accepted by each model's filter, where
// each side drops the keys the other side explicitly filtered out.
func filteredKeys(expected, current *model.SystemModel, filter Filter) map[model.Key]bool {
	expectedKeys := keySet(expected.FilteredKeys())
	currentKeys := keySet(current.FilteredKeys())

	keys := make(map[model.Key]bool)
	for k := range expectedKeys {
		if current.FindEntry(k) != nil && !currentKeys[k] {
			continue
		}
		keys[k] = true
	}
	for k := range currentKeys {
		if expected.FindEntry(k) != nil && !expectedKeys[k] {
			continue
		}
		keys[k] = true
	}

	if filter != nil {
		for k := range keys {
			if !filter.Match(expected.FindEntry(k), current.FindEntry(k)) {
				delete(keys, k)
			}
		}
	}
	return keys
}

func keySet(keys []model.Key) map[model.Key]bool {
	out := make(map[model.Key]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

// requiredKeys expands the filtered keys with their ancestors and descendants
// in both models, so that parent and child depths can always be compared.
func (md *SystemModelDelta) requiredKeys(filtered map[model.Key]bool) map[model.Key]bool {
	required := make(map[model.Key]bool, len(filtered))
	add := func(keys []model.Key) {
		for _, k := range keys {
			if md.expected.FindEntry(k) != nil || md.current.FindEntry(k) != nil {
				required[k] = true
			}
		}
	}
	for k := range filtered {
		required[k] = true
		for _, deps := range []*model.EntryDependencies{md.expectedDep, md.currentDep} {
			add(deps.Ancestors(k))
			add(deps.Descendants(k))
		}
	}
	return required
}

// topDownKeys orders keys so that parents come before their children.
func (md *SystemModelDelta) topDownKeys() []model.Key {
	depth := make(map[model.Key]int, len(md.deltas))
	keys := make([]model.Key, 0, len(md.deltas))
	for k := range md.deltas {
		keys = append(keys, k)
		depth[k] = max(len(md.expectedDep.Ancestors(k)), len(md.currentDep.Ancestors(k)))
	}
	sort.Slice(keys, func(i, j int) bool {
		if depth[keys[i]] != depth[keys[j]] {
			return depth[keys[i]] < depth[keys[j]]
		}
		return keys[i].Less(keys[j])
	})
	return keys
}

func (md *SystemModelDelta) parentsOf(k model.Key) []*EntryDelta {
	var out []*EntryDelta
	for _, deps := range []*model.EntryDependencies{md.currentDep, md.expectedDep} {
		if p, ok := deps.Parent(k); ok {
			if pd := md.deltas[p]; pd != nil {
				out = append(out, pd)
			}
		}
	}
	return out
}

func (e *Engine) replaceExpected(md *SystemModelDelta, ed *EntryDelta, expected *model.SystemEntry) (*EntryDelta, error) {
	nd, err := NewEntryDelta(e.cfg, expected, ed.current)
	if err != nil {
		return nil, err
	}
	nd.adjusted = true
	md.deltas[ed.key] = nd
	e.logger.Debug().
		Str("entry", ed.key.String()).
		Str("status", string(nd.status)).
		Str("expectedState", nd.ExpectedState()).
		Msg("Adjusted expected entry for parent/child consistency")
	return nd, nil
}

// removeOrphanedChildren removes the deployed children of a parent that is
// itself being removed, even if they were filtered out.
func (e *Engine) removeOrphanedChildren(md *SystemModelDelta, order []model.Key) error {
	for _, k := range order {
		ed := md.deltas[k]
		if ed.dependent || ed.expected != nil || ed.current == nil {
			continue
		}
		for _, c := range md.currentDep.Children(k) {
			cd := md.deltas[c]
			if cd == nil || !cd.dependent || cd.current == nil || cd.expected == nil {
				continue
			}
			if _, err := e.replaceExpected(md, cd, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// propagateParentDelta marks deployed children of a parent being redeployed,
// since they cannot survive the redeploy of their parent.
func propagateParentDelta(md *SystemModelDelta, order []model.Key) {
	for _, k := range order {
		ed := md.deltas[k]
		if ed.current == nil || ed.expected == nil {
			continue
		}
		if ed.status != engine.DeltaStatusExpectedState && ed.status != engine.DeltaStatusNotExpectedState {
			continue
		}
		for _, pd := range md.parentsOf(k) {
			if !pd.dependent && pd.status.NeedsRedeploy() {
				ed.setStatus(engine.DeltaStateError, engine.DeltaStatusParentDelta)
				ed.dependent = false
				break
			}
		}
	}
}

// raiseParents makes sure a parent ends up at least as deep as the deepest
// expected state of its in-scope children. A filtered out parent that is too
// shallow is brought back into scope with an adjusted expected state.
func (e *Engine) raiseParents(md *SystemModelDelta, order []model.Key) error {
	for i := len(order) - 1; i >= 0; i-- {
		ed := md.deltas[order[i]]
		sm := ed.stateMachine

		deepest, maxDepth := "", -1
		for _, c := range md.expectedDep.Children(ed.key) {
			cd := md.deltas[c]
			if cd == nil || cd.dependent || cd.expected == nil {
				continue
			}
			if d := sm.Depth(cd.ExpectedState()); d > maxDepth {
				deepest, maxDepth = cd.ExpectedState(), d
			}
		}
		if maxDepth < 0 {
			continue
		}

		var src *model.SystemEntry
		if ed.dependent {
			if sm.Depth(ed.CurrentState()) >= maxDepth {
				continue
			}
			src = ed.current
			if src == nil {
				src = ed.expected
			}
		} else {
			if ed.expected == nil || sm.Depth(ed.ExpectedState()) >= maxDepth {
				continue
			}
			src = ed.expected
		}

		adjusted := src.Clone()
		adjusted.EntryState = deepest
		if _, err := e.replaceExpected(md, ed, adjusted); err != nil {
			return err
		}
	}
	return nil
}

// emptyAgents returns a synthetic NA delta for every live agent with nothing
// deployed and nothing expected.
func emptyAgents(expected, current *model.SystemModel) []*EntryDelta {
	used := make(map[string]bool)
	for _, m := range []*model.SystemModel{expected, current} {
		for _, k := range m.AllKeys() {
			used[k.Agent] = true
		}
	}
	var out []*EntryDelta
	for _, a := range current.Agents() {
		if !used[a] {
			out = append(out, newEmptyAgentDelta(a))
		}
	}
	return out
}
