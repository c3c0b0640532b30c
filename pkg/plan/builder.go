package plan

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// MetaBucket marks the parallel groups produced by bucketing.
const MetaBucket = "bucket"

// Config controls plan construction.
type Config struct {
	// MaxParallelSteps bounds the number of children of a parallel step.
	// Larger parallel steps are split into sequential buckets. Zero means unbounded.
	MaxParallelSteps int `yaml:"maxParallelSteps" json:"maxParallelSteps" validate:"gte=0"`
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxParallelSteps sets Config.MaxParallelSteps.
func WithMaxParallelSteps(n int) Option {
	return func(b *Builder) {
		b.cfg.MaxParallelSteps = n
	}
}

// WithConfig replaces the builder configuration.
func WithConfig(cfg Config) Option {
	return func(b *Builder) {
		b.cfg = cfg
	}
}

// WithID sets the plan id instead of a random one.
func WithID(id string) Option {
	return func(b *Builder) {
		b.id = id
	}
}

// Builder assembles a plan. Nothing built is visible until ToPlan.
type Builder struct {
	cfg      Config
	id       string
	metadata map[string]string
	root     *CompositeBuilder
	nextID   int
}

// NewBuilder creates an empty plan builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{metadata: make(map[string]string)}
	for _, opt := range opts {
		opt(b)
	}
	if b.id == "" {
		b.id = uuid.NewString()
	}
	return b
}

// SetMetadata sets a plan metadata value.
func (b *Builder) SetMetadata(key, value string) *Builder {
	b.metadata[key] = value
	return b
}

// Sequential makes the root step sequential and returns it.
func (b *Builder) Sequential() *CompositeBuilder {
	b.root = &CompositeBuilder{typ: StepTypeSequential, metadata: map[string]string{}}
	return b.root
}

// Parallel makes the root step parallel and returns it.
func (b *Builder) Parallel() *CompositeBuilder {
	b.root = &CompositeBuilder{typ: StepTypeParallel, metadata: map[string]string{}}
	return b.root
}

// Composite makes the root step of the given composite type and returns it.
func (b *Builder) Composite(typ StepType) (*CompositeBuilder, error) {
	switch typ {
	case StepTypeSequential:
		return b.Sequential(), nil
	case StepTypeParallel:
		return b.Parallel(), nil
	default:
		return nil, fmt.Errorf("invalid composite step type: %s", typ)
	}
}

// ToPlan freezes the builder into a Plan.
func (b *Builder) ToPlan() *Plan {
	p := &Plan{
		id:       b.id,
		metadata: copyMetadata(b.metadata),
	}
	b.nextID = 0
	if b.root != nil {
		p.root = b.build(b.root)
	}
	return p
}

func (b *Builder) newID() string {
	b.nextID++
	return "step-" + strconv.Itoa(b.nextID)
}

func (b *Builder) build(node any) Step {
	switch n := node.(type) {
	case *leafNode:
		md := copyMetadata(n.action.Values)
		for k, v := range n.metadata {
			md[k] = v
		}
		md[MetaAction] = n.action.Name
		if n.action.Description != "" {
			md[MetaDescription] = n.action.Description
		}
		return &LeafStep{id: b.newID(), metadata: md, action: n.action}
	case *CompositeBuilder:
		return b.buildComposite(n)
	case Step:
		return b.adopt(n)
	default:
		panic(fmt.Sprintf("plan: unexpected node %T", node))
	}
}

// adopt copies a step built elsewhere, numbering it and its children like
// the rest of the plan.
func (b *Builder) adopt(step Step) Step {
	switch s := step.(type) {
	case *LeafStep:
		return &LeafStep{id: b.newID(), metadata: copyMetadata(s.metadata), action: s.action}
	case *CompositeStep:
		c := &CompositeStep{id: b.newID(), typ: s.typ, metadata: copyMetadata(s.metadata)}
		for _, child := range s.steps {
			c.steps = append(c.steps, b.adopt(child))
		}
		return c
	default:
		panic(fmt.Sprintf("plan: unexpected step %T", step))
	}
}

func (b *Builder) buildComposite(c *CompositeBuilder) Step {
	limit := b.cfg.MaxParallelSteps
	if c.typ != StepTypeParallel || limit <= 0 || len(c.children) <= limit {
		s := &CompositeStep{id: b.newID(), typ: c.typ, metadata: copyMetadata(c.metadata)}
		for _, child := range c.children {
			s.steps = append(s.steps, b.build(child))
		}
		return s
	}

	outer := &CompositeStep{id: b.newID(), typ: StepTypeSequential, metadata: copyMetadata(c.metadata)}
	for i := 0; i < len(c.children); i += limit {
		end := min(i+limit, len(c.children))
		md := copyMetadata(c.metadata)
		md[MetaBucket] = strconv.Itoa(i/limit + 1)
		bucket := &CompositeStep{id: b.newID(), typ: StepTypeParallel, metadata: md}
		for _, child := range c.children[i:end] {
			bucket.steps = append(bucket.steps, b.build(child))
		}
		outer.steps = append(outer.steps, bucket)
	}
	return outer
}

type leafNode struct {
	action   ActionDescriptor
	metadata map[string]string
}

// CompositeBuilder accumulates the children of a sequential or parallel step.
type CompositeBuilder struct {
	typ      StepType
	metadata map[string]string
	children []any
}

// Type returns the type of the composite being built.
func (c *CompositeBuilder) Type() StepType { return c.typ }

// Len returns the number of children added so far.
func (c *CompositeBuilder) Len() int { return len(c.children) }

// SetMetadata sets a metadata value on the composite.
func (c *CompositeBuilder) SetMetadata(key, value string) *CompositeBuilder {
	c.metadata[key] = value
	return c
}

// AddLeaf appends a leaf running action.
func (c *CompositeBuilder) AddLeaf(action ActionDescriptor) *CompositeBuilder {
	return c.AddLeafWithMetadata(action, nil)
}

// AddLeafWithMetadata appends a leaf with extra metadata.
func (c *CompositeBuilder) AddLeafWithMetadata(action ActionDescriptor, metadata map[string]string) *CompositeBuilder {
	c.children = append(c.children, &leafNode{action: action, metadata: copyMetadata(metadata)})
	return c
}

// AddSequential appends a sequential child and returns its builder.
func (c *CompositeBuilder) AddSequential() *CompositeBuilder {
	return c.AddComposite(StepTypeSequential)
}

// AddParallel appends a parallel child and returns its builder.
func (c *CompositeBuilder) AddParallel() *CompositeBuilder {
	return c.AddComposite(StepTypeParallel)
}

// AddComposite appends a composite child of the given type.
func (c *CompositeBuilder) AddComposite(typ StepType) *CompositeBuilder {
	child := &CompositeBuilder{typ: typ, metadata: map[string]string{}}
	c.children = append(c.children, child)
	return child
}

// AddStep appends a copy of a step taken from another plan. The copy gets
// fresh ids, so step ids stay unique within the plan.
func (c *CompositeBuilder) AddStep(step Step) *CompositeBuilder {
	c.children = append(c.children, step)
	return c
}
