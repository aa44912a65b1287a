package engine

import (
	"sync"
	"time"
)

// PercentUnknown marks a status without progress information.
const PercentUnknown = -1

// TaskStatus is an immutable snapshot of the progress of one unit of
// asynchronous work. Transitions return a new snapshot; a terminal
// snapshot never changes again.
type TaskStatus struct {
	// ID is monotonic and time-derived, unique within a process run.
	ID int64 `json:"id"`

	// Title is a human-readable description of the work.
	Title string `json:"title"`

	// State is the current task state.
	State TaskState `json:"state"`

	// StartedAt is when the work began.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is zero until the status is terminal.
	EndedAt time.Time `json:"ended_at,omitempty"`

	// Error is set only for FINISHED_FAILED.
	Error string `json:"error,omitempty"`

	// Percent is the optional percent complete, PercentUnknown if not reported.
	Percent int `json:"percent"`
}

// NewTaskStatus returns a STARTED status with a fresh ID.
func NewTaskStatus(title string) TaskStatus {
	return TaskStatus{
		ID:        NextTaskID(),
		Title:     title,
		State:     TaskStateStarted,
		StartedAt: time.Now(),
		Percent:   PercentUnknown,
	}
}

// IsComplete returns true once the status is FINISHED_OK or FINISHED_FAILED.
func (s TaskStatus) IsComplete() bool {
	return s.State.IsTerminal()
}

// IsStarted returns true if work has begun.
func (s TaskStatus) IsStarted() bool {
	return s.State != TaskStateNotStarted
}

// Succeeded returns true for FINISHED_OK.
func (s TaskStatus) Succeeded() bool {
	return s.State == TaskStateFinishedOK
}

// Failed returns true for FINISHED_FAILED.
func (s TaskStatus) Failed() bool {
	return s.State == TaskStateFinishedFailed
}

// WithProgress returns a copy with updated percent complete.
// Terminal snapshots are returned unchanged.
func (s TaskStatus) WithProgress(percent int) TaskStatus {
	if s.IsComplete() {
		return s
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.Percent = percent
	return s
}

// Succeed returns the FINISHED_OK snapshot.
// Terminal snapshots are returned unchanged.
func (s TaskStatus) Succeed() TaskStatus {
	if s.IsComplete() {
		return s
	}
	s.State = TaskStateFinishedOK
	s.EndedAt = time.Now()
	s.Error = ""
	s.Percent = 100
	return s
}

// Fail returns the FINISHED_FAILED snapshot carrying msg.
// Terminal snapshots are returned unchanged.
func (s TaskStatus) Fail(msg string) TaskStatus {
	if s.IsComplete() {
		return s
	}
	if s.State == TaskStateNotStarted {
		s.ID = NextTaskID()
		s.StartedAt = time.Now()
		s.Percent = PercentUnknown
	}
	s.State = TaskStateFinishedFailed
	s.EndedAt = time.Now()
	if msg == "" {
		msg = "task failed"
	}
	s.Error = msg
	return s
}

// Duration returns the elapsed time of a terminal status, or zero.
func (s TaskStatus) Duration() time.Duration {
	if !s.IsComplete() || s.StartedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

var taskIDs struct {
	mu   sync.Mutex
	last int64
}

// NextTaskID returns a strictly increasing ID derived from the wall clock.
func NextTaskID() int64 {
	taskIDs.mu.Lock()
	defer taskIDs.mu.Unlock()

	id := time.Now().UnixNano()
	if id <= taskIDs.last {
		id = taskIDs.last + 1
	}
	taskIDs.last = id
	return id
}
