package executor

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
)

// PlanExecution is a handle on a running plan.
type PlanExecution struct {
	plan    *plan.Plan
	leaf    LeafStepExecutor
	clock   engine.Clock
	logger  zerolog.Logger
	gate    *pauseGate
	slots   *semaphore.Weighted
	tracker *asyncTracker
	root    *stepExecution
	steps   map[string]*stepExecution

	cancelOnce sync.Once

	mu        sync.Mutex
	status    engine.CompletionStatus
	startTime time.Time
	endTime   time.Time
	done      chan struct{}
}

func (pe *PlanExecution) start(ctx context.Context) {
	pe.startTime = pe.clock.Now()
	pe.logger.Info().
		Str("plan", pe.plan.Name()).
		Int("leaves", pe.plan.LeafStepsCount()).
		Msg("Starting plan execution")
	pe.tracker.OnPlanStart(pe.plan)
	go pe.run(ctx)
}

func (pe *PlanExecution) run(ctx context.Context) {
	status := engine.CompletionStatusCompleted
	if pe.root != nil {
		<-pe.root.submit(ctx)
		status = pe.root.completionStatus()
	}

	pe.mu.Lock()
	pe.status = status
	pe.endTime = pe.clock.Now()
	duration := pe.endTime.Sub(pe.startTime)
	pe.mu.Unlock()

	pe.logger.Info().
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("Plan execution finished")
	pe.tracker.OnPlanEnd(pe.plan, status)
	pe.tracker.close()
	close(pe.done)
}

// Plan returns the plan being executed.
func (pe *PlanExecution) Plan() *plan.Plan { return pe.plan }

// Pause holds back every leaf that has not started yet. Running leaves are
// not affected.
func (pe *PlanExecution) Pause() {
	if pe.IsCompleted() {
		return
	}
	if pe.gate.pause() {
		pe.logger.Info().Msg("Plan execution paused")
		pe.tracker.OnPause(pe.plan)
	}
}

// Resume releases the leaves held back by Pause.
func (pe *PlanExecution) Resume() {
	if pe.gate.resume() {
		pe.logger.Info().Msg("Plan execution resumed")
		pe.tracker.OnResume(pe.plan)
	}
}

// IsPaused reports whether the execution is paused.
func (pe *PlanExecution) IsPaused() bool { return pe.gate.isPaused() }

// Cancel skips every step that has not started. Running leaves are
// interrupted when mayInterrupt is set and otherwise allowed to finish.
// Cancel is idempotent.
func (pe *PlanExecution) Cancel(mayInterrupt bool) {
	if pe.IsCompleted() {
		return
	}
	pe.cancelOnce.Do(func() {
		pe.logger.Info().Bool("interrupt", mayInterrupt).Msg("Cancelling plan execution")
		pe.tracker.OnCancelled(pe.plan)
	})
	if pe.root != nil {
		pe.root.cancel(mayInterrupt)
	}
}

// IsCompleted reports whether the execution has finished.
func (pe *PlanExecution) IsCompleted() bool {
	select {
	case <-pe.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the execution finishes.
func (pe *PlanExecution) Done() <-chan struct{} { return pe.done }

// TrackerDone returns a channel closed once the tracker has been handed
// every notification of the execution.
func (pe *PlanExecution) TrackerDone() <-chan struct{} { return pe.tracker.done }

// WaitForCompletion blocks until the execution finishes or ctx is done.
func (pe *PlanExecution) WaitForCompletion(ctx context.Context) (engine.CompletionStatus, error) {
	select {
	case <-pe.done:
		return pe.CompletionStatus(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaitForCompletionTimeout blocks until the execution finishes or the
// timeout elapses on the executor clock, in which case engine.ErrTimeout is
// returned. Timing out does not cancel the execution.
func (pe *PlanExecution) WaitForCompletionTimeout(timeout time.Duration) (engine.CompletionStatus, error) {
	if pe.IsCompleted() {
		return pe.CompletionStatus(), nil
	}
	select {
	case <-pe.done:
		return pe.CompletionStatus(), nil
	case <-pe.clock.After(timeout):
		return "", engine.ErrTimeout
	}
}

// CompletionStatus returns the plan status, or "" while it is running.
func (pe *PlanExecution) CompletionStatus() engine.CompletionStatus {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.status
}

// StartTime returns when the execution started.
func (pe *PlanExecution) StartTime() time.Time { return pe.startTime }

// EndTime returns when the execution finished, or the zero time.
func (pe *PlanExecution) EndTime() time.Time {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.endTime
}

// StepStatus returns the status of a completed step.
func (pe *PlanExecution) StepStatus(stepID string) (engine.CompletionStatus, bool) {
	r, ok := pe.StepResult(stepID)
	return r.Status, ok
}

// StepResult returns the outcome of a completed step.
func (pe *PlanExecution) StepResult(stepID string) (StepResult, bool) {
	s, ok := pe.steps[stepID]
	if !ok {
		return StepResult{}, false
	}
	return s.result()
}

// Results returns the outcome of every completed step, in plan order.
func (pe *PlanExecution) Results() []StepResult {
	var out []StepResult
	_ = pe.plan.Walk(func(step plan.Step) error {
		if r, ok := pe.StepResult(step.ID()); ok {
			out = append(out, r)
		}
		return nil
	})
	return out
}

// ToXML renders the plan annotated with the status of every step.
func (pe *PlanExecution) ToXML() (string, error) {
	var buf bytes.Buffer
	if err := plan.EncodeXML(&buf, pe.plan, statusDecorator{pe: pe}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
