package delta

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/statemachine"
)

// ValueDelta compares one flattened key of the expected and current entries.
type ValueDelta struct {
	Expected    any  `json:"expected,omitempty"`
	Current     any  `json:"current,omitempty"`
	HasExpected bool `json:"-"`
	HasCurrent  bool `json:"-"`
}

// HasDelta reports whether the two sides differ.
func (v ValueDelta) HasDelta() bool {
	if v.HasExpected != v.HasCurrent {
		return true
	}
	return !model.ValuesEqual(v.Expected, v.Current)
}

// EntryDelta is the comparison of the expected and current versions of one entry.
// It is immutable once the delta computation that produced it returns.
type EntryDelta struct {
	key          model.Key
	expected     *model.SystemEntry
	current      *model.SystemEntry
	values       map[string]ValueDelta
	errorKeys    []string
	state        engine.DeltaState
	status       engine.DeltaStatus
	stateMachine *statemachine.StateMachine
	dependent    bool
	adjusted     bool
}

// NewEntryDelta compares expected and current, either of which may be nil but
// not both. Entries with different keys cannot be compared.
func NewEntryDelta(cfg Config, expected, current *model.SystemEntry) (*EntryDelta, error) {
	if expected == nil && current == nil {
		return nil, engine.NewInvariantError("cannot compute a delta between two nil entries")
	}
	if expected != nil && current != nil && expected.Key() != current.Key() {
		return nil, engine.NewInvariantError(
			fmt.Sprintf("cannot compare entries with different keys: %s != %s", expected.Key(), current.Key()))
	}

	d := &EntryDelta{expected: expected, current: current}
	if expected != nil {
		d.key = expected.Key()
	} else {
		d.key = current.Key()
	}
	d.stateMachine = statemachine.ForMountPoint(d.key.MountPoint)
	d.computeValues()
	d.classify(cfg)
	return d, nil
}

func newEmptyAgentDelta(agent string) *EntryDelta {
	return &EntryDelta{
		key:          model.Key{Agent: agent, MountPoint: model.RootMountPoint},
		values:       map[string]ValueDelta{},
		state:        engine.DeltaStateNA,
		status:       engine.DeltaStatusEmptyAgent,
		stateMachine: statemachine.Default,
	}
}

func (d *EntryDelta) computeValues() {
	d.values = make(map[string]ValueDelta)
	if d.expected != nil {
		for k, v := range d.expected.Flatten() {
			d.values[k] = ValueDelta{Expected: v, HasExpected: true}
		}
	}
	if d.current != nil {
		for k, v := range d.current.Flatten() {
			vd := d.values[k]
			vd.Current = v
			vd.HasCurrent = true
			d.values[k] = vd
		}
	}
}

func (d *EntryDelta) classify(cfg Config) {
	d.errorKeys = nil
	var informational bool
	for k, v := range d.values {
		if !v.HasDelta() {
			continue
		}
		if cfg.IsKeyIncluded(k) {
			d.errorKeys = append(d.errorKeys, k)
		} else if !strings.HasPrefix(k, model.PrefixMetadata) {
			informational = true
		}
	}
	sort.Strings(d.errorKeys)

	switch {
	case d.current == nil:
		d.setStatus(engine.DeltaStateError, engine.DeltaStatusNotDeployed)
	case d.expected == nil:
		d.setStatus(engine.DeltaStateError, engine.DeltaStatusUnexpected)
	case d.hasErrorMetadata():
		d.setStatus(engine.DeltaStateError, engine.DeltaStatusError)
	case len(d.errorKeys) == 1 && d.errorKeys[0] == model.KeyEntryState:
		d.setStatus(engine.DeltaStateError, engine.DeltaStatusNotExpectedState)
	case len(d.errorKeys) > 0:
		d.setStatus(engine.DeltaStateError, engine.DeltaStatusDelta)
	case informational:
		d.setStatus(engine.DeltaStateWarn, engine.DeltaStatusExpectedState)
	default:
		d.setStatus(engine.DeltaStateOK, engine.DeltaStatusExpectedState)
	}
}

func (d *EntryDelta) hasErrorMetadata() bool {
	_, ok := d.current.ErrorMetadata()
	return ok
}

func (d *EntryDelta) setStatus(state engine.DeltaState, status engine.DeltaStatus) {
	d.state = state
	d.status = status
}

// Key returns the entry key.
func (d *EntryDelta) Key() model.Key { return d.key }

// ExpectedEntry returns the expected entry, or nil.
func (d *EntryDelta) ExpectedEntry() *model.SystemEntry { return d.expected }

// CurrentEntry returns the current entry, or nil.
func (d *EntryDelta) CurrentEntry() *model.SystemEntry { return d.current }

// ExpectedState returns the expected entry state, or NoState.
func (d *EntryDelta) ExpectedState() string {
	if d.expected == nil {
		return statemachine.NoState
	}
	return d.expected.EntryState
}

// CurrentState returns the current entry state, or NoState.
func (d *EntryDelta) CurrentState() string {
	if d.current == nil {
		return statemachine.NoState
	}
	return d.current.EntryState
}

// Values returns the flattened key comparison.
func (d *EntryDelta) Values() map[string]ValueDelta {
	out := make(map[string]ValueDelta, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Value returns the comparison of one flattened key.
func (d *EntryDelta) Value(key string) (ValueDelta, bool) {
	v, ok := d.values[key]
	return v, ok
}

// DeltaKeys returns every mismatched key, sorted.
func (d *EntryDelta) DeltaKeys() []string {
	var keys []string
	for k, v := range d.values {
		if v.HasDelta() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ErrorValueKeys returns the mismatched keys that count toward the classification.
func (d *EntryDelta) ErrorValueKeys() []string {
	return append([]string(nil), d.errorKeys...)
}

// State returns OK, WARN, ERROR or NA.
func (d *EntryDelta) State() engine.DeltaState { return d.state }

// Status returns the detailed classification.
func (d *EntryDelta) Status() engine.DeltaStatus { return d.status }

// HasErrorDelta reports whether the delta is in ERROR.
func (d *EntryDelta) HasErrorDelta() bool { return d.state == engine.DeltaStateError }

// StateMachine returns the lifecycle that applies to this entry.
func (d *EntryDelta) StateMachine() *statemachine.StateMachine { return d.stateMachine }

// IsDependent reports whether the entry was only pulled in through a parent or child.
func (d *EntryDelta) IsDependent() bool { return d.dependent }

// IsAdjusted reports whether the expected entry was rewritten to keep a parent
// at least as deep as its children, or to remove children of a removed parent.
func (d *EntryDelta) IsAdjusted() bool { return d.adjusted }

// IsEmptyAgent reports whether this is the synthetic delta of an agent with nothing on it.
func (d *EntryDelta) IsEmptyAgent() bool { return d.status == engine.DeltaStatusEmptyAgent }

func (d *EntryDelta) String() string {
	return fmt.Sprintf("%s[%s/%s]", d.key, d.state, d.status)
}
