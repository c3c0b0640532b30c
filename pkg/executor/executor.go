// Package executor runs plans: leaves are dispatched to a LeafStepExecutor,
// sequential steps run their children in order and parallel steps run them
// concurrently. Executions can be paused, resumed, cancelled and awaited.
package executor

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
)

// LeafStepExecutor runs the action of a leaf step. It is the only place
// remote actions are dispatched from and must honor ctx cancellation.
type LeafStepExecutor interface {
	ExecuteLeafStep(ctx context.Context, step *plan.LeafStep) error
}

// LeafStepExecutorFunc adapts a function to a LeafStepExecutor.
type LeafStepExecutorFunc func(ctx context.Context, step *plan.LeafStep) error

// ExecuteLeafStep implements LeafStepExecutor.
func (f LeafStepExecutorFunc) ExecuteLeafStep(ctx context.Context, step *plan.LeafStep) error {
	return f(ctx, step)
}

// Config controls plan execution.
type Config struct {
	// LeafConcurrency bounds the number of leaves executing at once across
	// the plan. Zero means unbounded. Composite steps never hold a slot.
	LeafConcurrency int `yaml:"leafConcurrency" json:"leafConcurrency" validate:"gte=0"`

	// Clock drives timeout-bounded waits. Defaults to the system clock.
	Clock engine.Clock `yaml:"-" json:"-"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig replaces the executor configuration.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		e.cfg = cfg
	}
}

// WithLeafConcurrency sets Config.LeafConcurrency.
func WithLeafConcurrency(n int) Option {
	return func(e *Executor) {
		e.cfg.LeafConcurrency = n
	}
}

// WithClock sets the clock used by timeout-bounded waits.
func WithClock(clock engine.Clock) Option {
	return func(e *Executor) {
		e.cfg.Clock = clock
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// Executor starts plan executions.
type Executor struct {
	leaf   LeafStepExecutor
	cfg    Config
	logger zerolog.Logger
}

// New creates an executor dispatching leaves to leaf.
func New(leaf LeafStepExecutor, opts ...Option) *Executor {
	e := &Executor{leaf: leaf, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Clock == nil {
		e.cfg.Clock = engine.SystemClock{}
	}
	return e
}

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.cfg }

// Execute starts running the plan in the background and returns a handle on
// the execution. The tracker, which may be nil, is notified asynchronously.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, tracker Tracker) (*PlanExecution, error) {
	if p == nil {
		return nil, engine.NewPermanentError("plan is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if e.leaf == nil {
		return nil, engine.NewPermanentError("no leaf step executor configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	logger := e.logger.With().Str("plan_id", p.ID()).Logger()
	pe := &PlanExecution{
		plan:    p,
		leaf:    e.leaf,
		clock:   e.cfg.Clock,
		logger:  logger,
		gate:    newPauseGate(),
		tracker: newAsyncTracker(tracker, logger),
		steps:   make(map[string]*stepExecution),
		done:    make(chan struct{}),
	}
	if e.cfg.LeafConcurrency > 0 {
		pe.slots = semaphore.NewWeighted(int64(e.cfg.LeafConcurrency))
	}
	if root := p.Root(); root != nil {
		pe.root = pe.newStepExecution(root)
	}

	pe.start(ctx)
	return pe, nil
}
