package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/executor"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

// ExecutionTracker turns executor notifications into metrics, log lines and
// events on the plan span. Notifications arrive on a single goroutine.
type ExecutionTracker struct {
	metrics  *Metrics
	logger   *Logger
	span     trace.Span
	planType string
	now      func() time.Time
	started  time.Time
}

var _ executor.Tracker = (*ExecutionTracker)(nil)

// NewExecutionTracker creates a tracker for one execution of a plan of the
// given type. span is the plan span and may be nil.
func (t *Telemetry) NewExecutionTracker(planType string, span trace.Span) *ExecutionTracker {
	if span == nil {
		span = trace.SpanFromContext(context.Background())
	}
	return &ExecutionTracker{
		metrics:  t.Metrics,
		logger:   t.Logger.NewComponentLogger("executor"),
		span:     span,
		planType: planType,
		now:      time.Now,
	}
}

func (et *ExecutionTracker) OnPlanStart(p *plan.Plan) {
	et.started = et.now()
	et.metrics.RecordPlanStarted(et.planType)
	et.logger.WithPlanID(p.ID()).
		WithField("leaf_steps", p.LeafStepsCount()).
		Info("plan started: " + p.Name())
}

func (et *ExecutionTracker) OnPlanEnd(p *plan.Plan, status engine.CompletionStatus) {
	et.metrics.RecordPlanCompleted(et.planType, status, et.now().Sub(et.started))
	et.span.SetAttributes(AttrStepStatus.String(string(status)))
	logger := et.logger.WithPlanID(p.ID()).WithField("status", status)
	if status.IsSuccess() {
		RecordSuccess(et.span)
		logger.Info("plan completed")
		return
	}
	et.span.SetStatus(codes.Error, "plan "+string(status))
	logger.Warn("plan completed")
}

func (et *ExecutionTracker) OnStepStart(step plan.Step) {
	et.span.AddEvent("step.start", trace.WithAttributes(
		AttrStepID.String(step.ID()),
		AttrStepType.String(string(step.Type())),
	))
}

func (et *ExecutionTracker) OnStepEnd(step plan.Step, status engine.CompletionStatus, err error) {
	attrs := []attribute.KeyValue{
		AttrStepID.String(step.ID()),
		AttrStepType.String(string(step.Type())),
		AttrStepStatus.String(string(status)),
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		attrs = append(attrs, AttrErrorClass.String(string(ee.Class)), AttrErrorCode.String(ee.Code))
	}
	et.span.AddEvent("step.end", trace.WithAttributes(attrs...))

	et.metrics.RecordStepCompleted(string(step.Type()), status)
	if err != nil {
		et.metrics.RecordError(err)
		et.logger.WithStepID(step.ID()).WithError(err).Warn("step " + string(status))
	}
}

func (et *ExecutionTracker) OnPause(p *plan.Plan) {
	et.span.AddEvent("plan.pause")
	et.logger.WithPlanID(p.ID()).Info("plan paused")
}

func (et *ExecutionTracker) OnResume(p *plan.Plan) {
	et.span.AddEvent("plan.resume")
	et.logger.WithPlanID(p.ID()).Info("plan resumed")
}

func (et *ExecutionTracker) OnCancelled(p *plan.Plan) {
	et.span.AddEvent("plan.cancel")
	et.logger.WithPlanID(p.ID()).Warn("plan cancelled")
}

// InstrumentLeafExecutor wraps next so that every leaf runs in its own span
// and its duration on the agent is observed.
func (t *Telemetry) InstrumentLeafExecutor(next executor.LeafStepExecutor) executor.LeafStepExecutor {
	return &instrumentedLeafExecutor{next: next, tracer: t.Tracer, metrics: t.Metrics, now: time.Now}
}

type instrumentedLeafExecutor struct {
	next    executor.LeafStepExecutor
	tracer  *Tracer
	metrics *Metrics
	now     func() time.Time
}

func (l *instrumentedLeafExecutor) ExecuteLeafStep(ctx context.Context, step *plan.LeafStep) error {
	action := step.Action()
	ctx, span := l.tracer.StartActionSpan(ctx, action.Value(planner.ValueAgent), action.Value(planner.ValueMountPoint), action.Name)
	defer span.End()
	span.SetAttributes(AttrStepID.String(step.ID()))

	start := l.now()
	err := l.next.ExecuteLeafStep(ctx, step)

	status := engine.CompletionStatusCompleted
	switch {
	case err == nil:
		RecordSuccess(span)
	case ctx.Err() != nil:
		status = engine.CompletionStatusCancelled
		RecordError(span, err)
	default:
		status = engine.CompletionStatusFailed
		RecordError(span, err)
	}
	l.metrics.ObserveAction(action.Name, status, l.now().Sub(start))
	return err
}
