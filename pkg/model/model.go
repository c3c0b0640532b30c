package model

import (
	"fmt"
	"sort"
	"sync"
)

// SystemModel is an immutable snapshot of the entries of one fabric, with an
// optional filter restricting which entries take part in delta computation.
type SystemModel struct {
	fabric   string
	id       string
	metadata map[string]any
	agents   []string
	entries  map[Key]*SystemEntry
	filter   Filter

	depsOnce sync.Once
	deps     *EntryDependencies
}

// Builder accumulates entries and produces a SystemModel on Build.
type Builder struct {
	fabric   string
	id       string
	metadata map[string]any
	agents   map[string]struct{}
	entries  []*SystemEntry
}

// NewBuilder starts a model for fabric.
func NewBuilder(fabric string) *Builder {
	return &Builder{fabric: fabric, agents: make(map[string]struct{})}
}

// WithID sets the model id (typically a content hash or version).
func (b *Builder) WithID(id string) *Builder {
	b.id = id
	return b
}

// WithMetadata sets a model level metadata value.
func (b *Builder) WithMetadata(key string, value any) *Builder {
	if b.metadata == nil {
		b.metadata = make(map[string]any)
	}
	b.metadata[key] = value
	return b
}

// AddAgents records agents known to be alive, even if nothing runs on them.
func (b *Builder) AddAgents(agents ...string) *Builder {
	for _, a := range agents {
		b.agents[a] = struct{}{}
	}
	return b
}

// AddEntry adds a copy of entry to the model.
func (b *Builder) AddEntry(entry *SystemEntry) *Builder {
	b.entries = append(b.entries, entry.Clone())
	return b
}

// Build validates and freezes the model.
func (b *Builder) Build() (*SystemModel, error) {
	if b.fabric == "" {
		return nil, fmt.Errorf("system model requires a fabric")
	}

	m := &SystemModel{
		fabric:   b.fabric,
		id:       b.id,
		metadata: cloneMap(b.metadata),
		entries:  make(map[Key]*SystemEntry, len(b.entries)),
	}

	for _, e := range b.entries {
		if e.Agent == "" || e.MountPoint == "" {
			return nil, fmt.Errorf("entry %s: agent and mount point are required", e.Key())
		}
		k := e.Key()
		if _, dup := m.entries[k]; dup {
			return nil, fmt.Errorf("duplicate entry %s", k)
		}
		if e.ParentMountPoint() == e.MountPoint {
			return nil, fmt.Errorf("entry %s cannot be its own parent", k)
		}
		m.entries[k] = e.Normalized()
	}

	for a := range b.agents {
		m.agents = append(m.agents, a)
	}
	sort.Strings(m.agents)

	return m, nil
}

// GetFabric returns the fabric of the model.
func (m *SystemModel) GetFabric() string { return m.fabric }

// ID returns the model id.
func (m *SystemModel) ID() string { return m.id }

// Metadata returns a model level metadata value.
func (m *SystemModel) Metadata(key string) (any, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// Agents returns the agents known to be alive.
func (m *SystemModel) Agents() []string {
	return append([]string(nil), m.agents...)
}

// FindEntry returns the entry for key, ignoring the filter.
func (m *SystemModel) FindEntry(key Key) *SystemEntry {
	return m.entries[key]
}

// FindEntryByMountPoint returns the entry at mountPoint on agent, ignoring the filter.
func (m *SystemModel) FindEntryByMountPoint(agent, mountPoint string) *SystemEntry {
	return m.entries[Key{Agent: agent, MountPoint: mountPoint}]
}

// FindChildrenKeys returns the keys of the entries whose parent is key.
func (m *SystemModel) FindChildrenKeys(key Key) []Key {
	return m.Dependencies().Children(key)
}

// Dependencies returns the parent/child index of every entry in the model.
func (m *SystemModel) Dependencies() *EntryDependencies {
	m.depsOnce.Do(func() {
		m.deps = BuildDependencies(m)
	})
	return m.deps
}

// Filters returns the attached filter, or nil.
func (m *SystemModel) Filters() Filter { return m.filter }

// FilterBy returns a model sharing the entries of m whose filter is the
// conjunction of the current filter and f.
func (m *SystemModel) FilterBy(f Filter) *SystemModel {
	return m.withFilter(And(m.filter, f))
}

// Unfiltered returns the same model without any filter.
func (m *SystemModel) Unfiltered() *SystemModel {
	if m.filter == nil {
		return m
	}
	return m.withFilter(nil)
}

func (m *SystemModel) withFilter(f Filter) *SystemModel {
	return &SystemModel{
		fabric:   m.fabric,
		id:       m.id,
		metadata: m.metadata,
		agents:   m.agents,
		entries:  m.entries,
		filter:   f,
	}
}

// AllKeys returns every key, ignoring the filter, sorted.
func (m *SystemModel) AllKeys() []Key {
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return SortKeys(keys)
}

// FilteredKeys returns the keys of entries accepted by the filter, sorted.
func (m *SystemModel) FilteredKeys() []Key {
	keys := make([]Key, 0, len(m.entries))
	for k, e := range m.entries {
		if m.filter == nil || m.filter.Match(e) {
			keys = append(keys, k)
		}
	}
	return SortKeys(keys)
}

// Entries returns the filtered entries sorted by key.
func (m *SystemModel) Entries() []*SystemEntry {
	keys := m.FilteredKeys()
	out := make([]*SystemEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k])
	}
	return out
}

// Size returns the number of entries, ignoring the filter.
func (m *SystemModel) Size() int { return len(m.entries) }

// Document converts the model to its serializable form.
func (m *SystemModel) Document() *Document {
	doc := &Document{
		Fabric:   m.fabric,
		ID:       m.id,
		Metadata: cloneMap(m.metadata),
		Agents:   m.Agents(),
	}
	for _, e := range m.Entries() {
		doc.Entries = append(doc.Entries, e.Clone())
	}
	return doc
}

// Document is the on-disk representation of a system model.
type Document struct {
	Fabric   string         `json:"fabric" yaml:"fabric" validate:"required"`
	ID       string         `json:"id,omitempty" yaml:"id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Agents   []string       `json:"agents,omitempty" yaml:"agents,omitempty"`
	Entries  []*SystemEntry `json:"entries" yaml:"entries" validate:"dive,required"`
}

// Model builds the SystemModel described by the document.
func (d *Document) Model() (*SystemModel, error) {
	b := NewBuilder(d.Fabric).WithID(d.ID).AddAgents(d.Agents...)
	for k, v := range d.Metadata {
		b.WithMetadata(k, v)
	}
	for _, e := range d.Entries {
		b.AddEntry(e)
	}
	return b.Build()
}
