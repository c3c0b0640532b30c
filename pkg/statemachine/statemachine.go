// Package statemachine models the lifecycle an entry moves through and
// computes the shortest sequence of actions between two states.
package statemachine

import (
	"fmt"
	"sort"
	"strings"
)

// NoState is the sentinel for an entry that is not installed.
const NoState = ""

// Well known states and actions of the default lifecycle.
const (
	StateInstalled = "installed"
	StateStopped   = "stopped"
	StateRunning   = "running"

	ActionInstall     = "install"
	ActionConfigure   = "configure"
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionUnconfigure = "unconfigure"
	ActionUninstall   = "uninstall"
)

// States and actions of the agent self-upgrade lifecycle.
const (
	StatePrepared = "prepared"
	StateUpgraded = "upgraded"

	ActionPrepare  = "prepare"
	ActionCommit   = "commit"
	ActionRollback = "rollback"
)

// SelfUpgradeMountPoint is the mount point prefix selecting the self-upgrade lifecycle.
const SelfUpgradeMountPoint = "/self/upgrade"

// Transition is one edge of the state machine.
type Transition struct {
	Action string `json:"action"`
	To     string `json:"to"`
}

// Hop is one step of a computed path: the action to run and the state it leads to.
type Hop = Transition

// StateMachine is an immutable transition table keyed by source state.
type StateMachine struct {
	name        string
	transitions map[string][]Transition
	depths      map[string]int
}

// New builds a state machine from a transition table. NoState must have at
// least one outgoing transition and every state must be reachable from it.
func New(name string, transitions map[string][]Transition) (*StateMachine, error) {
	if len(transitions[NoState]) == 0 {
		return nil, fmt.Errorf("state machine %s: no transition out of the not-installed state", name)
	}

	table := make(map[string][]Transition, len(transitions))
	for from, ts := range transitions {
		table[from] = append([]Transition(nil), ts...)
	}

	sm := &StateMachine{name: name, transitions: table}
	sm.depths = sm.computeDepths()

	for from, ts := range table {
		if _, ok := sm.depths[from]; !ok {
			return nil, fmt.Errorf("state machine %s: state %q is unreachable", name, from)
		}
		for _, t := range ts {
			if _, ok := sm.depths[t.To]; !ok {
				return nil, fmt.Errorf("state machine %s: state %q is unreachable", name, t.To)
			}
		}
	}

	return sm, nil
}

// MustNew is like New but panics on an invalid table. Used for the builtin lifecycles.
func MustNew(name string, transitions map[string][]Transition) *StateMachine {
	sm, err := New(name, transitions)
	if err != nil {
		panic(err)
	}
	return sm
}

// Name returns the state machine name.
func (sm *StateMachine) Name() string {
	return sm.name
}

// States returns every known state, sorted by depth then name. NoState is first.
func (sm *StateMachine) States() []string {
	states := make([]string, 0, len(sm.depths))
	for s := range sm.depths {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool {
		di, dj := sm.depths[states[i]], sm.depths[states[j]]
		if di != dj {
			return di < dj
		}
		return states[i] < states[j]
	})
	return states
}

// HasState reports whether state belongs to this lifecycle.
func (sm *StateMachine) HasState(state string) bool {
	_, ok := sm.depths[state]
	return ok
}

// AvailableActions returns the transitions leaving from.
func (sm *StateMachine) AvailableActions(from string) []Transition {
	return append([]Transition(nil), sm.transitions[from]...)
}

// Depth returns the number of hops between NoState and state, or -1 for an unknown state.
func (sm *StateMachine) Depth(state string) int {
	d, ok := sm.depths[state]
	if !ok {
		return -1
	}
	return d
}

// Distance returns Depth(to) - Depth(from). A positive distance moves toward a
// deeper (more installed) state.
func (sm *StateMachine) Distance(from, to string) (int, error) {
	df, ok := sm.depths[from]
	if !ok {
		return 0, sm.unknownState(from)
	}
	dt, ok := sm.depths[to]
	if !ok {
		return 0, sm.unknownState(to)
	}
	return dt - df, nil
}

// FindShortestPath returns the hops leading from one state to another. The
// path is empty when from == to. Ties are broken by the order transitions were
// declared, which keeps paths deterministic.
func (sm *StateMachine) FindShortestPath(from, to string) ([]Hop, error) {
	if !sm.HasState(from) {
		return nil, sm.unknownState(from)
	}
	if !sm.HasState(to) {
		return nil, sm.unknownState(to)
	}
	if from == to {
		return []Hop{}, nil
	}

	visited := map[string]visit{from: {}}
	queue := []string{from}

	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]

		for _, t := range sm.transitions[state] {
			if _, seen := visited[t.To]; seen {
				continue
			}
			visited[t.To] = visit{prev: state, hop: t}
			if t.To == to {
				return unwind(visited, from, to), nil
			}
			queue = append(queue, t.To)
		}
	}

	return nil, fmt.Errorf("state machine %s: no path from %s to %s", sm.name, display(from), display(to))
}

type visit struct {
	prev string
	hop  Hop
}

func unwind(visited map[string]visit, from, to string) []Hop {
	var path []Hop
	for state := to; state != from; state = visited[state].prev {
		path = append(path, visited[state].hop)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (sm *StateMachine) computeDepths() map[string]int {
	depths := map[string]int{NoState: 0}
	queue := []string{NoState}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for _, t := range sm.transitions[state] {
			if _, ok := depths[t.To]; ok {
				continue
			}
			depths[t.To] = depths[state] + 1
			queue = append(queue, t.To)
		}
	}
	return depths
}

func (sm *StateMachine) unknownState(state string) error {
	return fmt.Errorf("state machine %s: unknown state %s", sm.name, display(state))
}

// String renders the transition table, one source state per line.
func (sm *StateMachine) String() string {
	var sb strings.Builder
	for _, from := range sm.States() {
		for _, t := range sm.transitions[from] {
			fmt.Fprintf(&sb, "%s -%s-> %s\n", display(from), t.Action, display(t.To))
		}
	}
	return sb.String()
}

func display(state string) string {
	if state == NoState {
		return "<none>"
	}
	return state
}
