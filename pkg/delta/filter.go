package delta

import (
	"strings"

	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/statemachine"
)

// Filter restricts a delta computation to the (expected, current) pairs an
// operation cares about. Either entry may be nil.
type Filter interface {
	Match(expected, current *model.SystemEntry) bool
}

// FilterFunc adapts a function to a Filter.
type FilterFunc func(expected, current *model.SystemEntry) bool

// Match implements Filter.
func (f FilterFunc) Match(expected, current *model.SystemEntry) bool {
	return f(expected, current)
}

// BounceFilter keeps entries expected to run that are currently running.
var BounceFilter Filter = FilterFunc(func(expected, current *model.SystemEntry) bool {
	return expected != nil && current != nil &&
		expected.EntryState == statemachine.StateRunning &&
		current.EntryState == statemachine.StateRunning
})

// RedeployFilter keeps entries present in the expected model.
var RedeployFilter Filter = FilterFunc(func(expected, _ *model.SystemEntry) bool {
	return expected != nil
})

// UndeployFilter keeps entries currently deployed.
var UndeployFilter Filter = FilterFunc(func(_, current *model.SystemEntry) bool {
	return current != nil
})

// AgentUpgradeFilter keeps the self-upgrade entries of the given agents, or of
// every agent when none is given.
func AgentUpgradeFilter(agents ...string) Filter {
	wanted := make(map[string]bool, len(agents))
	for _, a := range agents {
		wanted[a] = true
	}
	return FilterFunc(func(expected, current *model.SystemEntry) bool {
		e := expected
		if e == nil {
			e = current
		}
		if !strings.HasPrefix(e.MountPoint, statemachine.SelfUpgradeMountPoint) {
			return false
		}
		return len(wanted) == 0 || wanted[e.Agent]
	})
}
