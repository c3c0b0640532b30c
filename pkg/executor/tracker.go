package executor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
)

// Tracker is notified of the progress of a plan execution. Calls are made
// from a single goroutine, in the order the events happened.
type Tracker interface {
	OnPlanStart(p *plan.Plan)
	OnPlanEnd(p *plan.Plan, status engine.CompletionStatus)
	OnStepStart(step plan.Step)
	OnStepEnd(step plan.Step, status engine.CompletionStatus, err error)
	OnPause(p *plan.Plan)
	OnResume(p *plan.Plan)
	OnCancelled(p *plan.Plan)
}

// NopTracker ignores every notification. Embed it to implement only some
// of the callbacks.
type NopTracker struct{}

func (NopTracker) OnPlanStart(*plan.Plan) {}
func (NopTracker) OnPlanEnd(*plan.Plan, engine.CompletionStatus) {}
func (NopTracker) OnStepStart(plan.Step) {}
func (NopTracker) OnStepEnd(plan.Step, engine.CompletionStatus, error) {}
func (NopTracker) OnPause(*plan.Plan) {}
func (NopTracker) OnResume(*plan.Plan) {}
func (NopTracker) OnCancelled(*plan.Plan) {}

// MultiTracker forwards every notification to each tracker in turn.
type MultiTracker []Tracker

func (m MultiTracker) OnPlanStart(p *plan.Plan) {
	for _, t := range m {
		t.OnPlanStart(p)
	}
}

func (m MultiTracker) OnPlanEnd(p *plan.Plan, status engine.CompletionStatus) {
	for _, t := range m {
		t.OnPlanEnd(p, status)
	}
}

func (m MultiTracker) OnStepStart(step plan.Step) {
	for _, t := range m {
		t.OnStepStart(step)
	}
}

func (m MultiTracker) OnStepEnd(step plan.Step, status engine.CompletionStatus, err error) {
	for _, t := range m {
		t.OnStepEnd(step, status, err)
	}
}

func (m MultiTracker) OnPause(p *plan.Plan) {
	for _, t := range m {
		t.OnPause(p)
	}
}

func (m MultiTracker) OnResume(p *plan.Plan) {
	for _, t := range m {
		t.OnResume(p)
	}
}

func (m MultiTracker) OnCancelled(p *plan.Plan) {
	for _, t := range m {
		t.OnCancelled(p)
	}
}

type trackerCall struct {
	name string
	fn   func(Tracker)
}

// asyncTracker queues notifications and delivers them to the target from a
// single goroutine. Enqueueing never blocks. A panicking target is logged
// and the remaining notifications are still delivered.
type asyncTracker struct {
	target Tracker
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []trackerCall
	closed bool
	done   chan struct{}
}

func newAsyncTracker(target Tracker, logger zerolog.Logger) *asyncTracker {
	t := &asyncTracker{target: target, logger: logger, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	if target == nil {
		t.closed = true
		close(t.done)
		return t
	}
	go t.loop()
	return t
}

func (t *asyncTracker) enqueue(name string, fn func(Tracker)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, trackerCall{name: name, fn: fn})
	t.cond.Signal()
}

// close stops accepting notifications. Queued ones are still delivered.
func (t *asyncTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Signal()
}

func (t *asyncTracker) loop() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		batch := t.queue
		t.queue = nil
		closed := t.closed
		t.mu.Unlock()

		for _, call := range batch {
			t.deliver(call)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (t *asyncTracker) deliver(call trackerCall) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Str("callback", call.name).
				Interface("panic", r).
				Msg("Progress tracker failed")
		}
	}()
	call.fn(t.target)
}

func (t *asyncTracker) OnPlanStart(p *plan.Plan) {
	t.enqueue("OnPlanStart", func(tr Tracker) { tr.OnPlanStart(p) })
}

func (t *asyncTracker) OnPlanEnd(p *plan.Plan, status engine.CompletionStatus) {
	t.enqueue("OnPlanEnd", func(tr Tracker) { tr.OnPlanEnd(p, status) })
}

func (t *asyncTracker) OnStepStart(step plan.Step) {
	t.enqueue("OnStepStart", func(tr Tracker) { tr.OnStepStart(step) })
}

func (t *asyncTracker) OnStepEnd(step plan.Step, status engine.CompletionStatus, err error) {
	t.enqueue("OnStepEnd", func(tr Tracker) { tr.OnStepEnd(step, status, err) })
}

func (t *asyncTracker) OnPause(p *plan.Plan) {
	t.enqueue("OnPause", func(tr Tracker) { tr.OnPause(p) })
}

func (t *asyncTracker) OnResume(p *plan.Plan) {
	t.enqueue("OnResume", func(tr Tracker) { tr.OnResume(p) })
}

func (t *asyncTracker) OnCancelled(p *plan.Plan) {
	t.enqueue("OnCancelled", func(tr Tracker) { tr.OnCancelled(p) })
}
