package planner

import (
	"fmt"
	"sort"

	"github.com/openfroyo/orchestra/pkg/agents"
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/statemachine"
)

// Kind distinguishes the transitions of a plan.
type Kind string

const (
	KindInstallScript       Kind = "installScript"
	KindTransition          Kind = "transition"
	KindUninstallScript     Kind = "uninstallScript"
	KindAlreadyInTransition Kind = "alreadyInTransition"
	KindMissingAgent        Kind = "missingAgent"
)

// Action names that are not state machine actions.
const (
	ActionInstallScript   = "installScript"
	ActionUninstallScript = "uninstallScript"
	ActionNoop            = agents.ActionNoop
)

// IsSkipRootCause reports whether transitions of this kind short-circuit to a no-op.
func (k Kind) IsSkipRootCause() bool {
	return k == KindAlreadyInTransition || k == KindMissingAgent
}

// Transition is one action on one entry, a node of the transition graph.
type Transition struct {
	key           string
	entry         *delta.EntryDelta
	kind          Kind
	action        string
	to            string
	from          string
	virtual       bool
	stage         int
	distance      int
	executeAfter  map[string]*Transition
	executeBefore map[string]*Transition
	skipRootCause *Transition
}

func newTransition(key string, ed *delta.EntryDelta, kind Kind, action, from, to string, virtual bool) *Transition {
	t := &Transition{
		key:           key,
		entry:         ed,
		kind:          kind,
		action:        action,
		from:          from,
		to:            to,
		virtual:       virtual,
		executeAfter:  make(map[string]*Transition),
		executeBefore: make(map[string]*Transition),
	}
	if kind.IsSkipRootCause() {
		t.skipRootCause = t
	}
	return t
}

func transitionKey(entry model.Key, action string) string {
	return fmt.Sprintf("%s/%s", entry, action)
}

// Key returns the unique key of the transition within its plan.
func (t *Transition) Key() string { return t.key }

// EntryKey returns the key of the entry the transition acts on.
func (t *Transition) EntryKey() model.Key { return t.entry.Key() }

// EntryDelta returns the delta of the entry the transition acts on.
func (t *Transition) EntryDelta() *delta.EntryDelta { return t.entry }

// Kind returns the transition kind.
func (t *Transition) Kind() Kind { return t.kind }

// Action returns the action name.
func (t *Transition) Action() string { return t.action }

// From returns the state the transition leaves.
func (t *Transition) From() string { return t.from }

// To returns the state the transition reaches.
func (t *Transition) To() string { return t.to }

// IsVirtual reports whether the transition only exists to carry ordering.
func (t *Transition) IsVirtual() bool { return t.virtual }

// SkipRootCause returns the transition that forces this one to be a no-op, or nil.
func (t *Transition) SkipRootCause() *Transition { return t.skipRootCause }

// ExecuteAfter returns the keys of the transitions that must run first, sorted.
func (t *Transition) ExecuteAfter() []string { return sortedTransitionKeys(t.executeAfter) }

// ExecuteBefore returns the keys of the transitions that wait for this one, sorted.
func (t *Transition) ExecuteBefore() []string { return sortedTransitionKeys(t.executeBefore) }

func (t *Transition) runAfter(other *Transition) {
	if other == nil || other == t {
		return
	}
	t.executeAfter[other.key] = other
	other.executeBefore[t.key] = t
}

func (t *Transition) unlink(other *Transition) {
	delete(t.executeAfter, other.key)
	delete(t.executeBefore, other.key)
}

// Description renders what the transition does, for plan leaves.
func (t *Transition) Description() string {
	entry := t.entry.Key()
	switch t.kind {
	case KindAlreadyInTransition:
		state, _ := t.entry.CurrentEntry().TransitionState()
		return "already in transition: " + state
	case KindMissingAgent:
		return "missing agent"
	case KindInstallScript:
		return fmt.Sprintf("Install script for [%s] on [%s]", entry.MountPoint, entry.Agent)
	case KindUninstallScript:
		return fmt.Sprintf("Uninstall script for [%s] on [%s]", entry.MountPoint, entry.Agent)
	default:
		return fmt.Sprintf("Run [%s] phase for [%s] on [%s]", t.action, entry.MountPoint, entry.Agent)
	}
}

func (t *Transition) String() string {
	return t.key
}

func sortedTransitionKeys(m map[string]*Transition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stateName(s string) string {
	if s == statemachine.NoState {
		return "<none>"
	}
	return s
}
