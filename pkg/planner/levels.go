package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// levelGraph orders transitions into dependency levels. Transitions of a
// level only depend on transitions of earlier levels.
type levelGraph struct {
	// nodes maps transition keys to their transitions
	nodes map[string]*Transition

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels holds the transition keys of each level, sorted
	levels [][]string
}

func newLevelGraph(transitions []*Transition) (*levelGraph, error) {
	g := &levelGraph{
		nodes:    make(map[string]*Transition, len(transitions)),
		inDegree: make(map[string]int, len(transitions)),
	}
	for _, t := range transitions {
		g.nodes[t.key] = t
	}
	for _, t := range transitions {
		for k := range t.executeAfter {
			if _, ok := g.nodes[k]; !ok {
				return nil, engine.NewInvariantError(
					fmt.Sprintf("transition %s executes after unknown transition %s", t.key, k))
			}
			g.inDegree[t.key]++
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *levelGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(key string, path []string) []string
	visit = func(key string, path []string) []string {
		visited[key] = true
		recStack[key] = true
		path = append(path, key)

		for _, next := range sortedTransitionKeys(g.nodes[key].executeBefore) {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if recStack[next] {
				for i, k := range path {
					if k == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}

		recStack[key] = false
		return nil
	}

	for _, key := range g.sortedNodes() {
		if visited[key] {
			continue
		}
		if cycle := visit(key, nil); cycle != nil {
			return engine.NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil).
				WithCode(engine.ErrCodeCycle)
		}
	}
	return nil
}

// computeLevels assigns levels with Kahn's algorithm.
func (g *levelGraph) computeLevels() error {
	inDegree := make(map[string]int, len(g.nodes))
	var current []string
	for _, key := range g.sortedNodes() {
		inDegree[key] = g.inDegree[key]
		if inDegree[key] == 0 {
			current = append(current, key)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		processed += len(current)

		var next []string
		for _, key := range current {
			for dependent := range g.nodes[key].executeBefore {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(g.nodes) {
		return engine.NewPermanentError("failed to order all transitions - possible cycle", nil).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

func (g *levelGraph) sortedNodes() []string {
	return sortedTransitionKeys(g.nodes)
}

// order returns every transition in a topological order.
func (g *levelGraph) order() []*Transition {
	out := make([]*Transition, 0, len(g.nodes))
	for _, level := range g.levels {
		for _, key := range level {
			out = append(out, g.nodes[key])
		}
	}
	return out
}

// toDOT renders the graph for Graphviz, one cluster per level.
func (g *levelGraph) toDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph TransitionPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, keys := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			t := g.nodes[key]
			label := fmt.Sprintf("%s\\n%s", t.EntryKey(), t.action)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				key, label, kindColor(t)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, key := range g.sortedNodes() {
		for _, after := range g.nodes[key].ExecuteAfter() {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", after, key))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(t *Transition) string {
	if t.skipRootCause != nil {
		return "lightgray"
	}
	switch t.kind {
	case KindInstallScript:
		return "lightgreen"
	case KindUninstallScript:
		return "lightcoral"
	default:
		return "lightblue"
	}
}
