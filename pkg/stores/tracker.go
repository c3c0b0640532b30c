package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/executor"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

const trackerWriteTimeout = 5 * time.Second

// Tracker appends the progress of one plan execution to a Store. Write
// failures are logged and never interrupt the execution.
type Tracker struct {
	store       Store
	executionID string
	logger      zerolog.Logger
}

var _ executor.Tracker = (*Tracker)(nil)

// NewTracker creates a tracker recording events under executionID, which
// must already exist in the store.
func NewTracker(store Store, executionID string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:       store,
		executionID: executionID,
		logger:      logger.With().Str("execution_id", executionID).Logger(),
	}
}

func (t *Tracker) append(event *StepEvent) {
	event.ExecutionID = t.executionID
	ctx, cancel := context.WithTimeout(context.Background(), trackerWriteTimeout)
	defer cancel()
	if err := t.store.AppendStepEvent(ctx, event); err != nil {
		t.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to record step event")
	}
}

func stepEvent(kind StepEventKind, step plan.Step) *StepEvent {
	event := &StepEvent{Kind: kind}
	id, typ := step.ID(), string(step.Type())
	event.StepID, event.StepType = &id, &typ
	if leaf, ok := step.(*plan.LeafStep); ok {
		action := leaf.Action()
		event.Action = &action.Name
		if entry := action.Value(planner.ValueEntry); entry != "" {
			event.Entry = &entry
		}
	}
	return event
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *Tracker) OnPlanStart(*plan.Plan) {
	t.append(&StepEvent{Kind: StepEventPlanStart})
}

func (t *Tracker) OnPlanEnd(_ *plan.Plan, status engine.CompletionStatus) {
	t.append(&StepEvent{Kind: StepEventPlanEnd, Status: optional(string(status))})
}

func (t *Tracker) OnStepStart(step plan.Step) {
	t.append(stepEvent(StepEventStart, step))
}

func (t *Tracker) OnStepEnd(step plan.Step, status engine.CompletionStatus, err error) {
	event := stepEvent(StepEventEnd, step)
	event.Status = optional(string(status))
	if err != nil {
		event.Error = optional(err.Error())
	}
	t.append(event)
}

func (t *Tracker) OnPause(*plan.Plan) {
	t.append(&StepEvent{Kind: StepEventPause})
}

func (t *Tracker) OnResume(*plan.Plan) {
	t.append(&StepEvent{Kind: StepEventResume})
}

func (t *Tracker) OnCancelled(*plan.Plan) {
	t.append(&StepEvent{Kind: StepEventCancel})
}
