package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
)

// ProgressFunc reports percent complete from inside running work.
type ProgressFunc func(percent int)

// Work performs the provisioning for one resource. It blocks until done;
// a non-nil error fails the task with the error text.
type Work func(ctx context.Context, resource *engine.Resource, progress ProgressFunc) error

// Async adapts a Work function to the engine Handler contract.
type Async struct {
	engine.Registration

	name   string
	work   Work
	logger zerolog.Logger

	mu    sync.Mutex
	tasks map[int64]*asyncTask
	wg    sync.WaitGroup
}

type asyncTask struct {
	tracker *Tracker
	stop    func() bool
}

// NewAsync creates an asynchronous handler running work for the
// registered (type, step) pairs.
func NewAsync(name string, reg engine.Registration, work Work, logger zerolog.Logger) *Async {
	return &Async{
		Registration: reg,
		name:         name,
		work:         work,
		logger:       logger.With().Str("component", "handler").Str("handler", name).Logger(),
		tasks:        make(map[int64]*asyncTask),
	}
}

// Name returns the handler name.
func (a *Async) Name() string {
	return a.name
}

// Start launches the work on its own goroutine and returns STARTED.
// The work observes ctx, so cancelling the drive stops the work too. A
// task whose ctx ends before its terminal snapshot is polled is dropped.
func (a *Async) Start(ctx context.Context, resource *engine.Resource) engine.TaskStatus {
	title := resource.Ref()
	if step, ok := engine.StepFromContext(ctx); ok {
		title = fmt.Sprintf("%s %s", step, resource.Ref())
	}
	status := engine.NewTaskStatus(title)
	tracker := NewTracker(status)

	a.mu.Lock()
	a.tasks[status.ID] = &asyncTask{
		tracker: tracker,
		stop:    context.AfterFunc(ctx, func() { a.forget(status.ID) }),
	}
	a.mu.Unlock()

	res := *resource
	a.wg.Add(1)
	go a.run(ctx, &res, tracker)

	return status
}

// Poll returns the latest snapshot of the task. Terminal snapshots are
// handed out once and then forgotten.
func (a *Async) Poll(_ context.Context, status engine.TaskStatus) engine.TaskStatus {
	a.mu.Lock()
	task, ok := a.tasks[status.ID]
	a.mu.Unlock()
	if !ok {
		return status.Fail(fmt.Sprintf("handler %s has no task %d", a.name, status.ID))
	}

	snapshot := task.tracker.Snapshot()
	if snapshot.IsComplete() {
		task.stop()
		a.forget(status.ID)
	}
	return snapshot
}

func (a *Async) forget(id int64) {
	a.mu.Lock()
	delete(a.tasks, id)
	a.mu.Unlock()
}

// Pending returns the number of tasks not yet observed as terminal.
func (a *Async) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// Wait blocks until every started work function has returned.
func (a *Async) Wait() {
	a.wg.Wait()
}

func (a *Async) run(ctx context.Context, resource *engine.Resource, tracker *Tracker) {
	defer a.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("resource_id", resource.ID).
				Interface("panic", r).
				Msg("Work panicked")
			tracker.Fail(fmt.Sprintf("work panicked: %v", r))
		}
	}()

	err := a.work(ctx, resource, func(percent int) { tracker.Progress(percent) })
	if err != nil {
		a.logger.Debug().Err(err).Str("resource_id", resource.ID).Msg("Work failed")
		tracker.Fail(err.Error())
		return
	}
	tracker.Succeed()
}
