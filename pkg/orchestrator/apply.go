package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/executor"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// Audit actions.
const (
	AuditPlanApplied       = "plan.applied"
	AuditPlanDenied        = "plan.denied"
	AuditExecutionFinished = "execution.finished"
)

const storeWriteTimeout = 5 * time.Second

// Run is an applied plan. The embedded execution can be paused, resumed
// and cancelled; Wait returns once the outcome has been recorded.
type Run struct {
	*executor.PlanExecution

	Planned *Planned

	finished chan struct{}
	report   string
	err      error
}

// Wait blocks until the execution finished and its history was written.
func (r *Run) Wait(ctx context.Context) (engine.CompletionStatus, error) {
	select {
	case <-r.finished:
		return r.CompletionStatus(), r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Report returns the XML status report once Wait has returned.
func (r *Run) Report() string {
	select {
	case <-r.finished:
		return r.report
	default:
		return ""
	}
}

// Apply plans the operation and executes the plan.
func (o *Orchestrator) Apply(ctx context.Context, req Request) (*Run, error) {
	req.DryRun = false
	planned, err := o.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, planned)
}

// Execute runs a planned operation. In enforcing mode a plan denied by
// policy is not started and a POLICY_DENIED error is returned.
func (o *Orchestrator) Execute(ctx context.Context, planned *Planned) (*Run, error) {
	p := planned.Plan
	planType := planned.Transitions.PlanType()
	fabric := planned.Delta.Fabric()

	if res := planned.Policy; res != nil {
		for _, w := range res.Warnings {
			o.logger.Warn().Str("policy", w.Policy).Str("entry", w.Entry).Msg(w.Message)
		}
		if err := res.Err(); err != nil {
			if o.cfg.Policy.Enforcing() {
				o.audit(ctx, AuditPlanDenied, p.ID(), map[string]any{
					"operation":  planType,
					"violations": res.Violations,
				})
				return nil, err
			}
			o.logger.Warn().Err(err).Msg("Policy violations ignored in advisory mode")
		}
	}

	if err := o.createExecution(ctx, p, fabric, planType); err != nil {
		return nil, err
	}

	spanCtx, span := o.telemetry.Tracer.StartPlanSpan(ctx, p, fabric, planType)
	trackers := executor.MultiTracker{o.telemetry.NewExecutionTracker(planType, span)}
	if o.store != nil {
		trackers = append(trackers, stores.NewTracker(o.store, p.ID(), o.logger))
	}

	pe, err := o.executor.Execute(spanCtx, p, trackers)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		o.finishExecution(ctx, p.ID(), engine.CompletionStatusFailed, "", err)
		return nil, err
	}
	o.audit(ctx, AuditPlanApplied, p.ID(), map[string]any{
		"operation":  planType,
		"leaf_steps": p.LeafStepsCount(),
	})

	run := &Run{PlanExecution: pe, Planned: planned, finished: make(chan struct{})}
	go o.complete(context.WithoutCancel(ctx), run, span)
	return run, nil
}

// complete records the outcome once the execution and its trackers are done.
func (o *Orchestrator) complete(ctx context.Context, run *Run, span trace.Span) {
	defer close(run.finished)
	<-run.Done()
	<-run.TrackerDone()
	span.End()

	status := run.CompletionStatus()
	report, err := run.ToXML()
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to render execution report")
		run.err = err
	}
	run.report = report

	var failure error
	if !status.IsSuccess() {
		failure = firstError(run.Results())
	}
	o.finishExecution(ctx, run.Plan().ID(), status, report, failure)
	o.audit(ctx, AuditExecutionFinished, run.Plan().ID(), map[string]any{"status": status})
}

func firstError(results []executor.StepResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func (o *Orchestrator) createExecution(ctx context.Context, p *plan.Plan, fabric, planType string) error {
	if o.store == nil {
		return nil
	}
	planJSON, err := p.MarshalJSON()
	if err != nil {
		return err
	}
	now := o.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	return o.store.CreateExecution(ctx, &stores.Execution{
		ID:        p.ID(),
		Fabric:    fabric,
		PlanType:  planType,
		PlanName:  p.Name(),
		Status:    stores.ExecutionStatusRunning,
		LeafSteps: p.LeafStepsCount(),
		PlanJSON:  string(planJSON),
		StartedAt: now,
	})
}

func (o *Orchestrator) finishExecution(ctx context.Context, id string, status engine.CompletionStatus, report string, failure error) {
	if o.store == nil {
		return
	}
	var reportXML, errMsg *string
	if report != "" {
		reportXML = &report
	}
	if failure != nil {
		msg := failure.Error()
		errMsg = &msg
	}
	ctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	if err := o.store.FinishExecution(ctx, id, stores.ExecutionStatus(status), o.clock.Now(), reportXML, errMsg); err != nil {
		o.logger.Error().Err(err).Str("execution_id", id).Msg("Failed to record execution outcome")
	}
}

func (o *Orchestrator) recordDelta(ctx context.Context, fabric string, summary map[engine.DeltaStatus]int, hasErrors bool) {
	if o.store == nil {
		return
	}
	counts := make(map[string]int, len(summary))
	for status, n := range summary {
		counts[string(status)] = n
	}
	ctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	err := o.store.RecordDelta(ctx, &stores.DeltaRecord{
		Fabric:     fabric,
		Summary:    counts,
		HasErrors:  hasErrors,
		ComputedAt: o.clock.Now(),
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to record delta")
	}
}

func (o *Orchestrator) audit(ctx context.Context, action, target string, details map[string]any) {
	if o.store == nil {
		return
	}
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     o.actor,
		TargetID:  &target,
		Timestamp: o.clock.Now(),
	}
	if raw, err := json.Marshal(details); err == nil {
		s := string(raw)
		entry.Details = &s
	}
	ctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	if err := o.store.CreateAuditEntry(ctx, entry); err != nil {
		o.logger.Error().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}
