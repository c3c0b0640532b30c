// Package plan defines executable plans: trees of leaf, sequential and
// parallel steps.
package plan

import (
	"errors"
	"sort"
)

// StepType identifies the kind of a step.
type StepType string

const (
	StepTypeLeaf       StepType = "leaf"
	StepTypeSequential StepType = "sequential"
	StepTypeParallel   StepType = "parallel"
)

// Leaf metadata keys set from the action descriptor.
const (
	MetaAction      = "action"
	MetaDescription = "description"
)

// ErrSkipChildren can be returned by a WalkFunc to skip the children of a composite.
var ErrSkipChildren = errors.New("skip children")

// WalkFunc is called for every step of a tree in depth first pre-order.
type WalkFunc func(step Step) error

// Step is either a *LeafStep or a *CompositeStep.
type Step interface {
	ID() string
	Type() StepType
	Metadata() map[string]string
	Walk(fn WalkFunc) error

	sealed()
}

// ActionDescriptor is the payload of a leaf: what to run and the values an
// executor needs to run it.
type ActionDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Values      map[string]string `json:"values,omitempty"`
}

// Value returns one descriptor value.
func (a ActionDescriptor) Value(key string) string {
	return a.Values[key]
}

// LeafStep runs a single action.
type LeafStep struct {
	id       string
	metadata map[string]string
	action   ActionDescriptor
}

// ID returns the step id.
func (s *LeafStep) ID() string { return s.id }

// Type returns StepTypeLeaf.
func (s *LeafStep) Type() StepType { return StepTypeLeaf }

// Metadata returns a copy of the step metadata.
func (s *LeafStep) Metadata() map[string]string { return copyMetadata(s.metadata) }

// Action returns the action descriptor.
func (s *LeafStep) Action() ActionDescriptor { return s.action }

// Walk calls fn on the leaf.
func (s *LeafStep) Walk(fn WalkFunc) error {
	err := fn(s)
	if errors.Is(err, ErrSkipChildren) {
		return nil
	}
	return err
}

func (s *LeafStep) sealed() {}

// CompositeStep runs its children either one after the other or all at once.
type CompositeStep struct {
	id       string
	typ      StepType
	metadata map[string]string
	steps    []Step
}

// ID returns the step id.
func (s *CompositeStep) ID() string { return s.id }

// Type returns StepTypeSequential or StepTypeParallel.
func (s *CompositeStep) Type() StepType { return s.typ }

// Metadata returns a copy of the step metadata.
func (s *CompositeStep) Metadata() map[string]string { return copyMetadata(s.metadata) }

// Steps returns the children of the composite.
func (s *CompositeStep) Steps() []Step { return append([]Step(nil), s.steps...) }

// Walk calls fn on the composite and then on every child.
func (s *CompositeStep) Walk(fn WalkFunc) error {
	if err := fn(s); err != nil {
		if errors.Is(err, ErrSkipChildren) {
			return nil
		}
		return err
	}
	for _, child := range s.steps {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *CompositeStep) sealed() {}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
