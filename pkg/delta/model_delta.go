package delta

import (
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
)

// SystemModelDelta aggregates the entry deltas of one computation.
type SystemModelDelta struct {
	expected    *model.SystemModel
	current     *model.SystemModel
	deltas      map[model.Key]*EntryDelta
	expectedDep *model.EntryDependencies
	currentDep  *model.EntryDependencies
	emptyAgents []*EntryDelta
}

// Fabric returns the fabric shared by both models.
func (d *SystemModelDelta) Fabric() string { return d.expected.GetFabric() }

// ExpectedModel returns the expected model the delta was computed from.
func (d *SystemModelDelta) ExpectedModel() *model.SystemModel { return d.expected }

// CurrentModel returns the current model the delta was computed from.
func (d *SystemModelDelta) CurrentModel() *model.SystemModel { return d.current }

// ExpectedDependencies returns the parent/child index of the expected model.
func (d *SystemModelDelta) ExpectedDependencies() *model.EntryDependencies { return d.expectedDep }

// CurrentDependencies returns the parent/child index of the current model.
func (d *SystemModelDelta) CurrentDependencies() *model.EntryDependencies { return d.currentDep }

// FindEntryDelta returns the delta of key, dependent or not.
func (d *SystemModelDelta) FindEntryDelta(key model.Key) *EntryDelta {
	return d.deltas[key]
}

// Keys returns the externally visible (non dependent) keys, sorted.
func (d *SystemModelDelta) Keys() []model.Key {
	keys := make([]model.Key, 0, len(d.deltas))
	for k, ed := range d.deltas {
		if !ed.dependent {
			keys = append(keys, k)
		}
	}
	return model.SortKeys(keys)
}

// AllKeys returns every key including dependents, sorted.
func (d *SystemModelDelta) AllKeys() []model.Key {
	keys := make([]model.Key, 0, len(d.deltas))
	for k := range d.deltas {
		keys = append(keys, k)
	}
	return model.SortKeys(keys)
}

// EntryDeltas returns the visible deltas sorted by key.
func (d *SystemModelDelta) EntryDeltas() []*EntryDelta {
	keys := d.Keys()
	out := make([]*EntryDelta, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.deltas[k])
	}
	return out
}

// HasErrorDelta reports whether any visible delta is in ERROR.
func (d *SystemModelDelta) HasErrorDelta() bool {
	for _, ed := range d.deltas {
		if !ed.dependent && ed.HasErrorDelta() {
			return true
		}
	}
	return false
}

// ErrorDeltas returns the visible deltas in ERROR, sorted by key.
func (d *SystemModelDelta) ErrorDeltas() []*EntryDelta {
	var out []*EntryDelta
	for _, ed := range d.EntryDeltas() {
		if ed.HasErrorDelta() {
			out = append(out, ed)
		}
	}
	return out
}

// EmptyAgents returns the synthetic NA deltas of agents with nothing on them.
func (d *SystemModelDelta) EmptyAgents() []*EntryDelta {
	return append([]*EntryDelta(nil), d.emptyAgents...)
}

// Summary counts the visible deltas per status.
func (d *SystemModelDelta) Summary() map[engine.DeltaStatus]int {
	out := make(map[engine.DeltaStatus]int)
	for _, ed := range d.deltas {
		if !ed.dependent {
			out[ed.status]++
		}
	}
	if len(d.emptyAgents) > 0 {
		out[engine.DeltaStatusEmptyAgent] = len(d.emptyAgents)
	}
	return out
}
