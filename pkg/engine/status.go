package engine

import (
	"fmt"
	"strings"
)

// LifecycleStep is one step of the fixed environment lifecycle.
// The numeric order is significant: INIT is step 0.
type LifecycleStep int

const (
	// StepInit prepares a resource before activation. Most resources skip it.
	StepInit LifecycleStep = iota

	// StepActivate provisions a resource. Every resource must be activatable.
	StepActivate

	// StepFirstStart starts a freshly activated resource for the first time.
	StepFirstStart

	// StepStart starts a previously stopped resource.
	StepStart

	// StepStop stops a running resource.
	StepStop

	// StepDelete decommissions a resource.
	StepDelete
)

var stepNames = [...]string{"INIT", "ACTIVATE", "FIRSTSTART", "START", "STOP", "DELETE"}

// AllSteps returns every lifecycle step in order.
func AllSteps() []LifecycleStep {
	return []LifecycleStep{StepInit, StepActivate, StepFirstStart, StepStart, StepStop, StepDelete}
}

// String returns the upper-case step name.
func (s LifecycleStep) String() string {
	if s < StepInit || s > StepDelete {
		return fmt.Sprintf("STEP(%d)", int(s))
	}
	return stepNames[s]
}

// IsTeardown returns true for steps that traverse the dependency graph in reverse.
func (s LifecycleStep) IsTeardown() bool {
	return s == StepStop || s == StepDelete
}

// Validate checks if the lifecycle step is valid.
func (s LifecycleStep) Validate() error {
	if s < StepInit || s > StepDelete {
		return fmt.Errorf("invalid lifecycle step: %d", int(s))
	}
	return nil
}

// ParseStep parses a step name case-insensitively.
func ParseStep(name string) (LifecycleStep, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stepNames {
		if n == upper {
			return LifecycleStep(i), nil
		}
	}
	return 0, fmt.Errorf("invalid lifecycle step: %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleStep) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LifecycleStep) UnmarshalText(text []byte) error {
	step, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// TaskState is the progress state of one unit of asynchronous work.
// The zero value means the task has not been started yet.
type TaskState string

const (
	// TaskStateNotStarted is the initial absence of a state.
	TaskStateNotStarted TaskState = ""

	// TaskStateStarted indicates the work is in progress.
	TaskStateStarted TaskState = "STARTED"

	// TaskStateFinishedOK indicates the work completed successfully.
	TaskStateFinishedOK TaskState = "FINISHED_OK"

	// TaskStateFinishedFailed indicates the work failed.
	TaskStateFinishedFailed TaskState = "FINISHED_FAILED"
)

// IsTerminal returns true if no further transitions are permitted.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateFinishedOK || s == TaskStateFinishedFailed
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateNotStarted, TaskStateStarted, TaskStateFinishedOK, TaskStateFinishedFailed:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// EnvironmentStatus is the externally visible status of an environment.
type EnvironmentStatus string

const (
	EnvironmentStatusPending    EnvironmentStatus = "PENDING"
	EnvironmentStatusActivating EnvironmentStatus = "ACTIVATING"
	EnvironmentStatusActive     EnvironmentStatus = "ACTIVE"
	EnvironmentStatusStarting   EnvironmentStatus = "STARTING"
	EnvironmentStatusRunning    EnvironmentStatus = "RUNNING"
	EnvironmentStatusStopping   EnvironmentStatus = "STOPPING"
	EnvironmentStatusStopped    EnvironmentStatus = "STOPPED"
	EnvironmentStatusDeleting   EnvironmentStatus = "DELETING"
	EnvironmentStatusDeleted    EnvironmentStatus = "DELETED"
	EnvironmentStatusFailed     EnvironmentStatus = "FAILED"
)

// Validate checks if the environment status is valid.
func (s EnvironmentStatus) Validate() error {
	switch s {
	case EnvironmentStatusPending, EnvironmentStatusActivating, EnvironmentStatusActive,
		EnvironmentStatusStarting, EnvironmentStatusRunning, EnvironmentStatusStopping,
		EnvironmentStatusStopped, EnvironmentStatusDeleting, EnvironmentStatusDeleted,
		EnvironmentStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid environment status: %s", s)
	}
}

// IsBusy returns true while a lifecycle step is in flight.
func (s EnvironmentStatus) IsBusy() bool {
	switch s {
	case EnvironmentStatusActivating, EnvironmentStatusStarting,
		EnvironmentStatusStopping, EnvironmentStatusDeleting:
		return true
	default:
		return false
	}
}

// InProgressStatus returns the status shown while the step runs.
func (s LifecycleStep) InProgressStatus() EnvironmentStatus {
	switch s {
	case StepInit, StepActivate:
		return EnvironmentStatusActivating
	case StepFirstStart, StepStart:
		return EnvironmentStatusStarting
	case StepStop:
		return EnvironmentStatusStopping
	case StepDelete:
		return EnvironmentStatusDeleting
	default:
		return EnvironmentStatusPending
	}
}

// DoneStatus returns the status reached when the step completes.
func (s LifecycleStep) DoneStatus() EnvironmentStatus {
	switch s {
	case StepInit:
		return EnvironmentStatusPending
	case StepActivate:
		return EnvironmentStatusActive
	case StepFirstStart, StepStart:
		return EnvironmentStatusRunning
	case StepStop:
		return EnvironmentStatusStopped
	case StepDelete:
		return EnvironmentStatusDeleted
	default:
		return EnvironmentStatusPending
	}
}
