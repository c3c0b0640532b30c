package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/agents"
	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/executor"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
	"github.com/openfroyo/orchestra/pkg/policy"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// Orchestrator runs the whole pipeline for one fabric: load models, compute
// the delta, plan an operation, gate it with policies and execute it.
type Orchestrator struct {
	cfg       *config.AppConfig
	loader    *config.ModelLoader
	deltas    *delta.Engine
	planner   *planner.Planner
	policies  *policy.Engine
	executor  *executor.Executor
	store     stores.Store
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	clock     engine.Clock

	leaf        executor.LeafStepExecutor
	client      agents.Client
	actor       string
	environment string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore records executions, deltas and audit entries in store.
func WithStore(store stores.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithTelemetry sets the logger, tracer and metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithLeafExecutor replaces the agent leaf executor.
func WithLeafExecutor(leaf executor.LeafStepExecutor) Option {
	return func(o *Orchestrator) { o.leaf = leaf }
}

// WithAgentClient sets the client the agent leaf executor talks through.
// The default simulates every action.
func WithAgentClient(client agents.Client) Option {
	return func(o *Orchestrator) { o.client = client }
}

// WithPolicyEngine replaces the engine built from the policy configuration.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(o *Orchestrator) { o.policies = e }
}

// WithActor names who runs operations in audit entries and policy input.
func WithActor(actor string) Option {
	return func(o *Orchestrator) { o.actor = actor }
}

// WithClock sets the clock used for timestamps.
func WithClock(clock engine.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New wires an orchestrator from configuration.
func New(cfg *config.AppConfig, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	o := &Orchestrator{
		cfg:   cfg,
		actor: "orchestra",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NopTelemetry()
	}
	if o.clock == nil {
		o.clock = engine.SystemClock{}
	}
	o.logger = o.telemetry.Logger.NewComponentLogger("orchestrator").WithFabric(cfg.Fabric).Zerolog()
	o.environment = cfg.Telemetry.Environment

	provider, err := cfg.URIProvider()
	if err != nil {
		return nil, fmt.Errorf("invalid agents table: %w", err)
	}

	o.loader = config.NewModelLoader(config.WithVars(cfg.Models.Vars))
	o.deltas = delta.NewEngine(cfg.Delta, delta.WithLogger(o.logger))
	o.planner = planner.New(planner.WithAgentURIProvider(provider), planner.WithLogger(o.logger))

	if o.leaf == nil {
		client := o.client
		if client == nil {
			client = &agents.SimulatedClient{Clock: o.clock, Logger: o.logger}
		}
		o.leaf = agents.NewLeafExecutor(provider, client,
			agents.WithRetryPolicy(cfg.RetryPolicy()),
			agents.WithRateLimit(cfg.AgentRate.PerSecond, cfg.AgentRate.Burst),
			agents.WithLogger(o.logger))
	}
	execCfg := cfg.Executor
	if execCfg.Clock == nil {
		execCfg.Clock = o.clock
	}
	o.executor = executor.New(o.telemetry.InstrumentLeafExecutor(o.leaf),
		executor.WithConfig(execCfg),
		executor.WithLogger(o.logger))

	if o.policies == nil && cfg.Policy.Enabled {
		if o.policies, err = newPolicyEngine(cfg.Policy, o.logger); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func newPolicyEngine(cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger, policy.WithSettings(policy.Settings{
		ProtectedEntries: cfg.Protected,
		ProtectedTags:    cfg.ProtectedTags,
		LeafBudget:       cfg.LeafBudget,
	}))
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := eng.LoadPolicies(context.Background(), cfg.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// Config returns the configuration the orchestrator was built from.
func (o *Orchestrator) Config() *config.AppConfig { return o.cfg }

// Loader returns the model loader.
func (o *Orchestrator) Loader() *config.ModelLoader { return o.loader }

// Policies returns the policy engine, or nil when policies are disabled.
func (o *Orchestrator) Policies() *policy.Engine { return o.policies }

// LoadModels loads the expected and current models. A missing current model
// file means nothing is deployed yet.
func (o *Orchestrator) LoadModels(ctx context.Context) (expected, current *model.SystemModel, err error) {
	expected, err = o.loader.Load(ctx, o.cfg.Models.Expected)
	if err != nil {
		return nil, nil, fmt.Errorf("expected model: %w", err)
	}
	if expected.GetFabric() != o.cfg.Fabric {
		return nil, nil, engine.NewPermanentError(
			fmt.Sprintf("expected model is for fabric %s, configured fabric is %s", expected.GetFabric(), o.cfg.Fabric), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if _, statErr := os.Stat(o.cfg.Models.Current); errors.Is(statErr, fs.ErrNotExist) {
		o.logger.Info().Str("path", o.cfg.Models.Current).Msg("No current model, assuming an empty fabric")
		current, err = model.NewBuilder(o.cfg.Fabric).Build()
		return expected, current, err
	}
	current, err = o.loader.Load(ctx, o.cfg.Models.Current)
	if err != nil {
		return nil, nil, fmt.Errorf("current model: %w", err)
	}
	return expected, current, nil
}

// Request selects what to plan.
type Request struct {
	// Operation is one of planner.OperationNames.
	Operation string

	// Agents restricts an agentUpgrade to these agents.
	Agents []string

	// Filter further restricts the entries considered. Nil keeps all.
	Filter delta.Filter

	// StepType groups the transitions of a level. Empty uses the configuration.
	StepType plan.StepType

	// DryRun is passed to policies; Apply never executes a dry run.
	DryRun bool
}

// Delta computes the delta of the request's operation between the models.
func (o *Orchestrator) Delta(ctx context.Context, expected, current *model.SystemModel, req Request) (*delta.SystemModelDelta, planner.Operation, error) {
	op, err := planner.LookupOperation(req.Operation, req.Agents...)
	if err != nil {
		return nil, op, err
	}

	md, err := o.deltas.ComputeDelta(expected, current, allOf(op.Filter, req.Filter))
	if err != nil {
		o.telemetry.Metrics.RecordError(err)
		return nil, op, err
	}

	summary := md.Summary()
	o.telemetry.Metrics.SetDeltaSummary(md.Fabric(), summary)
	o.recordDelta(ctx, md.Fabric(), summary, md.HasErrorDelta())
	return md, op, nil
}

// allOf matches the pairs every non nil filter matches.
func allOf(filters ...delta.Filter) delta.Filter {
	var active []delta.Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return delta.FilterFunc(func(expected, current *model.SystemEntry) bool {
		for _, f := range active {
			if !f.Match(expected, current) {
				return false
			}
		}
		return true
	})
}

// Planned is the outcome of planning an operation.
type Planned struct {
	Delta       *delta.SystemModelDelta
	Transitions *planner.TransitionPlan
	Plan        *plan.Plan

	// Policy is nil when policies are disabled.
	Policy *policy.PolicyResult
}

// Plan loads the models and plans the operation. Policies are evaluated but
// never block planning.
func (o *Orchestrator) Plan(ctx context.Context, req Request) (*Planned, error) {
	expected, current, err := o.LoadModels(ctx)
	if err != nil {
		return nil, err
	}
	return o.PlanModels(ctx, expected, current, req)
}

// PlanModels plans the operation between the given models.
func (o *Orchestrator) PlanModels(ctx context.Context, expected, current *model.SystemModel, req Request) (*Planned, error) {
	md, op, err := o.Delta(ctx, expected, current, req)
	if err != nil {
		return nil, err
	}

	tp, err := o.planner.Plan(md, op)
	if err != nil {
		o.telemetry.Metrics.RecordError(err)
		return nil, err
	}

	stepType := req.StepType
	if stepType == "" {
		stepType = o.cfg.StepType()
	}
	p, err := tp.BuildPlan(stepType, o.cfg.PlanOptions()...)
	if err != nil {
		return nil, err
	}
	o.telemetry.Metrics.RecordPlanBuilt(tp.PlanType(), p.LeafStepsCount())

	planned := &Planned{Delta: md, Transitions: tp, Plan: p}
	if o.policies != nil {
		planned.Policy, err = o.policies.EvaluatePlan(ctx, &policy.PolicyInput{
			Plan: policy.NewPlanInput(p, md),
			Context: &policy.PolicyContext{
				User:        o.actor,
				Environment: o.environment,
				Timestamp:   o.clock.Now(),
				DryRun:      req.DryRun,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
	}

	o.logger.Info().
		Str("plan_id", p.ID()).
		Str("operation", tp.PlanType()).
		Int("transitions", tp.Len()).
		Int("leaf_steps", p.LeafStepsCount()).
		Msg("Plan built")
	return planned, nil
}
