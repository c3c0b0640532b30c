package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
)

type stepState int

const (
	stateNotStarted stepState = iota
	stateSubmitted
	stateExecuting
	stateCompleted
)

// PanicError is the failure recorded for a leaf whose executor panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("leaf step executor panicked: %v", e.Value)
}

// StepResult is the outcome of a completed step.
type StepResult struct {
	StepID    string
	Status    engine.CompletionStatus
	Err       error
	StartTime time.Time
	EndTime   time.Time

	// Stack is the goroutine stack captured when a leaf failed.
	Stack []byte
}

// stepExecution tracks one step of a running plan:
// notStarted -> submitted -> executing -> completed, or straight to
// completed when cancelled before executing.
type stepExecution struct {
	pe       *PlanExecution
	step     plan.Step
	children []*stepExecution

	mu        sync.Mutex
	state     stepState
	cancelled bool
	interrupt context.CancelFunc
	status    engine.CompletionStatus
	err       error
	stack     []byte
	startTime time.Time
	endTime   time.Time
	done      chan struct{}
}

func (pe *PlanExecution) newStepExecution(step plan.Step) *stepExecution {
	s := &stepExecution{pe: pe, step: step, done: make(chan struct{})}
	pe.steps[step.ID()] = s
	if c, ok := step.(*plan.CompositeStep); ok {
		for _, child := range c.Steps() {
			s.children = append(s.children, pe.newStepExecution(child))
		}
	}
	return s
}

// submit starts the step on its own goroutine and returns a channel closed
// on completion. Cancelled and already started steps are left alone.
func (s *stepExecution) submit(ctx context.Context) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNotStarted || s.cancelled {
		return s.done
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = stateSubmitted
	s.interrupt = cancel
	go s.run(ctx, cancel)
	return s.done
}

func (s *stepExecution) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	switch step := s.step.(type) {
	case *plan.LeafStep:
		s.runLeaf(ctx, step)
	case *plan.CompositeStep:
		s.runComposite(ctx, step)
	}
}

// begin moves a submitted step to executing. It fails when the step was
// cancelled in the meantime.
func (s *stepExecution) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.state != stateSubmitted {
		return false
	}
	s.state = stateExecuting
	s.startTime = s.pe.clock.Now()
	s.pe.tracker.OnStepStart(s.step)
	return true
}

func (s *stepExecution) runLeaf(ctx context.Context, leaf *plan.LeafStep) {
	if err := s.pe.acquire(ctx); err != nil {
		// never ran: skipped unless already completed by a cancel
		s.trySkip()
		return
	}
	defer s.pe.release()

	if !s.begin() {
		return
	}

	s.pe.logger.Debug().
		Str("step_id", leaf.ID()).
		Str("action", leaf.Action().Name).
		Msg("Executing leaf step")

	err := s.pe.invokeLeaf(ctx, leaf)
	switch {
	case err == nil:
		s.complete(engine.CompletionStatusCompleted, nil)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		s.complete(engine.CompletionStatusCancelled, err)
	default:
		s.setStack(failureStack(err))
		s.complete(engine.CompletionStatusFailed, err)
	}
}

func failureStack(err error) []byte {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return debug.Stack()
}

func (s *stepExecution) setStack(stack []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateCompleted {
		s.stack = stack
	}
}

func (s *stepExecution) runComposite(ctx context.Context, c *plan.CompositeStep) {
	if !s.begin() {
		return
	}

	if c.Type() == plan.StepTypeSequential {
		for i, child := range s.children {
			<-child.submit(ctx)
			if child.completionStatus() != engine.CompletionStatusCompleted {
				for _, rest := range s.children[i+1:] {
					rest.skip()
				}
				break
			}
		}
	} else {
		for _, child := range s.children {
			child.submit(ctx)
		}
		for _, child := range s.children {
			<-child.done
		}
	}

	statuses := make([]engine.CompletionStatus, 0, len(s.children))
	for _, child := range s.children {
		statuses = append(statuses, child.completionStatus())
	}
	status := engine.AggregateStatus(statuses)
	if s.isCancelled() && status != engine.CompletionStatusCompleted && status != engine.CompletionStatusFailed {
		status = engine.CompletionStatusCancelled
	}
	s.complete(status, nil)
}

// trySkip completes a step that has not begun executing as SKIPPED, along
// with all its children. It reports false once the step is executing.
func (s *stepExecution) trySkip() bool {
	s.mu.Lock()
	if s.state >= stateExecuting {
		s.mu.Unlock()
		return false
	}
	if s.cancelled {
		s.mu.Unlock()
		return true
	}
	s.cancelled = true
	interrupt := s.interrupt
	s.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	for _, child := range s.children {
		child.skip()
	}
	s.complete(engine.CompletionStatusSkipped, nil)
	return true
}

func (s *stepExecution) skip() {
	s.trySkip()
}

// cancel skips a step that has not started. An executing leaf is
// interrupted when mayInterrupt is set, otherwise it runs to completion.
// An executing composite cancels its children.
func (s *stepExecution) cancel(mayInterrupt bool) {
	if s.trySkip() {
		return
	}

	s.mu.Lock()
	if s.state == stateCompleted {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	interrupt := s.interrupt
	s.mu.Unlock()

	if _, ok := s.step.(*plan.LeafStep); ok {
		if mayInterrupt {
			interrupt()
		}
		return
	}
	for _, child := range s.children {
		child.cancel(mayInterrupt)
	}
}

// complete records the final status. Only the first call wins.
func (s *stepExecution) complete(status engine.CompletionStatus, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateCompleted {
		s.pe.logger.Warn().
			Str("step_id", s.step.ID()).
			Str("status", string(status)).
			Str("completed_with", string(s.status)).
			Msg("Step already completed, ignoring status")
		return false
	}
	s.state = stateCompleted
	s.status = status
	s.err = err
	s.endTime = s.pe.clock.Now()
	s.pe.tracker.OnStepEnd(s.step, status, err)
	close(s.done)
	return true
}

func (s *stepExecution) completionStatus() engine.CompletionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stepExecution) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *stepExecution) result() (StepResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := StepResult{
		StepID:    s.step.ID(),
		Status:    s.status,
		Err:       s.err,
		StartTime: s.startTime,
		EndTime:   s.endTime,
		Stack:     s.stack,
	}
	return r, s.state == stateCompleted
}

func (pe *PlanExecution) invokeLeaf(ctx context.Context, leaf *plan.LeafStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return pe.leaf.ExecuteLeafStep(ctx, leaf)
}

// acquire waits for the execution to be running and for a leaf slot.
func (pe *PlanExecution) acquire(ctx context.Context) error {
	for {
		if err := pe.gate.wait(ctx); err != nil {
			return err
		}
		if pe.slots != nil {
			if err := pe.slots.Acquire(ctx, 1); err != nil {
				return err
			}
		}
		if !pe.gate.isPaused() {
			return nil
		}
		pe.release()
	}
}

func (pe *PlanExecution) release() {
	if pe.slots != nil {
		pe.slots.Release(1)
	}
}
