package model

// EntryDependencies indexes parent -> children and child -> parent relations
// between the entries of one model. It is written once by BuildDependencies
// and is read-only afterwards; it is not safe for concurrent writers.
type EntryDependencies struct {
	children map[Key][]Key
	parents  map[Key]Key
}

// BuildDependencies indexes every entry of m (ignoring its filter) that hangs
// under a parent other than the root.
func BuildDependencies(m *SystemModel) *EntryDependencies {
	d := &EntryDependencies{
		children: make(map[Key][]Key),
		parents:  make(map[Key]Key),
	}
	for _, k := range m.AllKeys() {
		e := m.FindEntry(k)
		if !e.HasParent() {
			continue
		}
		parent := e.ParentKey()
		d.parents[k] = parent
		d.children[parent] = append(d.children[parent], k)
	}
	return d
}

// Parent returns the parent key of key, if any.
func (d *EntryDependencies) Parent(key Key) (Key, bool) {
	p, ok := d.parents[key]
	return p, ok
}

// Children returns the direct children of key, sorted.
func (d *EntryDependencies) Children(key Key) []Key {
	return append([]Key(nil), d.children[key]...)
}

// HasChildren reports whether key has at least one child.
func (d *EntryDependencies) HasChildren(key Key) bool {
	return len(d.children[key]) > 0
}

// Ancestors returns the chain of parents of key, nearest first.
func (d *EntryDependencies) Ancestors(key Key) []Key {
	var out []Key
	seen := map[Key]bool{key: true}
	for {
		p, ok := d.parents[key]
		if !ok || seen[p] {
			return out
		}
		seen[p] = true
		out = append(out, p)
		key = p
	}
}

// Descendants returns every key below key, breadth first.
func (d *EntryDependencies) Descendants(key Key) []Key {
	var out []Key
	seen := map[Key]bool{key: true}
	queue := []Key{key}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, c := range d.children[k] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// Parents returns every child -> parent pair.
func (d *EntryDependencies) Parents() map[Key]Key {
	out := make(map[Key]Key, len(d.parents))
	for k, v := range d.parents {
		out[k] = v
	}
	return out
}
