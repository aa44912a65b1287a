package handlers

import (
	"sync"

	"github.com/openfroyo/activation/pkg/engine"
)

// Tracker holds the latest status of one asynchronous task. It is safe for
// concurrent use; once the status is terminal further writes are ignored.
type Tracker struct {
	mu     sync.Mutex
	status engine.TaskStatus
}

// NewTracker creates a tracker seeded with the given status.
func NewTracker(status engine.TaskStatus) *Tracker {
	return &Tracker{status: status}
}

// Snapshot returns the current status.
func (t *Tracker) Snapshot() engine.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress records percent complete. It returns false after completion.
func (t *Tracker) Progress(percent int) bool {
	return t.update(func(s engine.TaskStatus) engine.TaskStatus { return s.WithProgress(percent) })
}

// Succeed marks the task FINISHED_OK. It returns false after completion.
func (t *Tracker) Succeed() bool {
	return t.update(engine.TaskStatus.Succeed)
}

// Fail marks the task FINISHED_FAILED. It returns false after completion.
func (t *Tracker) Fail(msg string) bool {
	return t.update(func(s engine.TaskStatus) engine.TaskStatus { return s.Fail(msg) })
}

func (t *Tracker) update(fn func(engine.TaskStatus) engine.TaskStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsComplete() {
		return false
	}
	t.status = fn(t.status)
	return true
}
