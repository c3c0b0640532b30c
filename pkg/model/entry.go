// Package model defines system entries and system models: the expected or
// current picture of what is deployed on the agents of a fabric.
package model

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// RootMountPoint is the implicit parent of top level entries.
const RootMountPoint = "/"

// DefaultEntryState is the state assumed when an entry does not declare one.
const DefaultEntryState = "running"

// Flattened keys of an entry.
const (
	KeyAgent         = "agent"
	KeyMountPoint    = "mountPoint"
	KeyParent        = "parent"
	KeyEntryState    = "entryState"
	KeyScript        = "script"
	KeyTags          = "tags"
	PrefixInitParams = "initParameters."
	PrefixMetadata   = "metadata."
)

// Metadata keys with a meaning for planning.
const (
	MetaTransition = "transitionState"
	MetaError      = "error"
)

// Key identifies an entry: a mount point under an agent.
type Key struct {
	Agent      string `json:"agent"`
	MountPoint string `json:"mountPoint"`
}

// String renders the key as agent:mountPoint.
func (k Key) String() string {
	return k.Agent + ":" + k.MountPoint
}

// Less orders keys by agent then mount point.
func (k Key) Less(o Key) bool {
	if k.Agent != o.Agent {
		return k.Agent < o.Agent
	}
	return k.MountPoint < o.MountPoint
}

// ParseKey parses the agent:mountPoint form produced by Key.String.
func ParseKey(s string) (Key, error) {
	agent, mountPoint, ok := strings.Cut(s, ":")
	if !ok || agent == "" || !strings.HasPrefix(mountPoint, "/") {
		return Key{}, fmt.Errorf("invalid entry key %q, expected agent:/mount/point", s)
	}
	return Key{Agent: agent, MountPoint: mountPoint}, nil
}

// SortKeys sorts keys in place and returns them.
func SortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// SystemEntry is one deployable unit.
type SystemEntry struct {
	Agent          string         `json:"agent" yaml:"agent" validate:"required"`
	MountPoint     string         `json:"mountPoint" yaml:"mountPoint" validate:"required,startswith=/"`
	Parent         string         `json:"parent,omitempty" yaml:"parent,omitempty" validate:"omitempty,startswith=/"`
	EntryState     string         `json:"entryState,omitempty" yaml:"entryState,omitempty"`
	Script         string         `json:"script,omitempty" yaml:"script,omitempty"`
	InitParameters map[string]any `json:"initParameters,omitempty" yaml:"initParameters,omitempty"`
	Tags           []string       `json:"tags,omitempty" yaml:"tags,omitempty" validate:"dive,required"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Key returns the identity of the entry.
func (e *SystemEntry) Key() Key {
	return Key{Agent: e.Agent, MountPoint: e.MountPoint}
}

// ParentMountPoint returns the parent mount point, defaulting to the root.
func (e *SystemEntry) ParentMountPoint() string {
	if e.Parent == "" {
		return RootMountPoint
	}
	return e.Parent
}

// HasParent reports whether the entry hangs under another entry.
func (e *SystemEntry) HasParent() bool {
	return e.ParentMountPoint() != RootMountPoint
}

// ParentKey returns the key of the parent entry on the same agent.
func (e *SystemEntry) ParentKey() Key {
	return Key{Agent: e.Agent, MountPoint: e.ParentMountPoint()}
}

// HasTag reports whether the entry carries tag.
func (e *SystemEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TransitionState returns the in-flight transition recorded in metadata, if any.
func (e *SystemEntry) TransitionState() (string, bool) {
	return metadataString(e.Metadata, MetaTransition)
}

// ErrorMetadata returns the error recorded in metadata, if any.
func (e *SystemEntry) ErrorMetadata() (any, bool) {
	v, ok := e.Metadata[MetaError]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func metadataString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Normalized returns a copy with defaults applied (root parent, running state).
func (e *SystemEntry) Normalized() *SystemEntry {
	c := e.Clone()
	if c.Parent == "" {
		c.Parent = RootMountPoint
	}
	if c.EntryState == "" {
		c.EntryState = DefaultEntryState
	}
	return c
}

// Clone returns a deep copy of the entry.
func (e *SystemEntry) Clone() *SystemEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.InitParameters = cloneMap(e.InitParameters)
	c.Metadata = cloneMap(e.Metadata)
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	return &c
}

// Flatten returns the entry as a flat key -> value map. Nested init parameters
// and metadata are flattened with dotted paths, tags become a sorted list.
func (e *SystemEntry) Flatten() map[string]any {
	flat := map[string]any{
		KeyAgent:      e.Agent,
		KeyMountPoint: e.MountPoint,
		KeyParent:     e.ParentMountPoint(),
		KeyEntryState: e.EntryState,
		KeyScript:     e.Script,
	}
	if len(e.Tags) > 0 {
		tags := uniqueSorted(e.Tags)
		flat[KeyTags] = tags
	}
	flattenInto(flat, PrefixInitParams, e.InitParameters)
	flattenInto(flat, PrefixMetadata, e.Metadata)
	return flat
}

func flattenInto(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(dst, prefix+k+".", nested)
			continue
		}
		dst[prefix+k] = v
	}
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ValuesEqual compares two flattened values structurally. Numbers compare by
// value regardless of their decoded type.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
