package engine

import (
	"context"
	"fmt"
)

// ResourceRepository is the read side of the resource store. All calls made
// while generating one plan must observe a single consistent snapshot.
type ResourceRepository interface {
	// FindResource retrieves a resource of an environment by ID and type.
	// Resource IDs are only unique within their environment.
	FindResource(ctx context.Context, environmentID, id string, resourceType ResourceType) (*Resource, error)

	// ListDependencies returns the resources the given resource depends on,
	// resolved in the resource's own environment.
	ListDependencies(ctx context.Context, resource *Resource) ([]Resource, error)

	// Snapshot returns the full resource graph of an environment.
	Snapshot(ctx context.Context, environmentID string) (*ResourceGraph, error)
}

// StatusSink receives externally visible environment status updates.
type StatusSink interface {
	// UpdateStatus records the new status, message and percent complete.
	UpdateStatus(ctx context.Context, environmentID string, status EnvironmentStatus, message string, percent int) error
}

// Execution is the workflow engine's handle on one running activity.
type Execution struct {
	// ID is the engine-wide execution identifier.
	ID string `json:"id"`

	// ProcessInstanceID is the owning process instance.
	ProcessInstanceID string `json:"process_instance_id"`

	// ActivityID is the engine task identifier, unique within the instance only.
	ActivityID string `json:"activity_id"`

	// Ended is true once the execution left the activity.
	Ended bool `json:"ended"`

	// Variables are the execution-local variables.
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// ExecutionSignaler is the part of the workflow engine the completion
// callback needs: lookup by (instance, activity) and signal by execution ID.
type ExecutionSignaler interface {
	FindExecution(ctx context.Context, processInstanceID, activityID string) (*Execution, error)
	Signal(ctx context.Context, executionID, token string, variables map[string]interface{}) error
}

// TaskRecorder keeps activation task correlation records while they are in flight.
type TaskRecorder interface {
	// SaveActivationTask stores the record when a task begins execution.
	SaveActivationTask(ctx context.Context, task *ActivationTask) error

	// TakeActivationTask returns and removes the record. Consumed once.
	TakeActivationTask(ctx context.Context, processInstanceID, engineTaskID string) (*ActivationTask, error)
}

// Signal tokens distinguishing failure signals from success signals.
const (
	SignalTokenFailed    = "activation-failed"
	SignalTokenSucceeded = "activation-succeeded"
)

// Process variable names shared by the plan generator, the workflow engine
// delegates and the completion callback.
const (
	VarEnvironmentID = "environmentId"
	VarResourceID    = "resourceId"
	VarResourceType  = "resourceType"
	VarStep          = "step"
	VarMessage       = "message"
	VarTaskIndex     = "taskIndex"
	VarTaskCount     = "taskCount"
	VarPercent       = "percent"
)

// ActivationTask correlates one plan task with its engine execution.
// It is created when the task begins and consumed once by the completion callback.
type ActivationTask struct {
	// ProcessInstanceID is the owning process instance.
	ProcessInstanceID string `json:"process_instance_id"`

	// Step is the lifecycle step name.
	Step LifecycleStep `json:"step"`

	// EngineTaskID is the engine-internal task identifier.
	EngineTaskID string `json:"engine_task_id"`

	// EnvironmentID is the owning environment.
	EnvironmentID string `json:"environment_id"`

	// ResourceID re-resolves the resource node.
	ResourceID string `json:"resource_id"`

	// ResourceType is the resource type name.
	ResourceType ResourceType `json:"resource_type"`

	// LastError is the last known error message.
	LastError string `json:"last_error,omitempty"`

	// Index is the 0-based index of the task within its tier.
	Index int `json:"index"`

	// Count is the number of tasks in the tier.
	Count int `json:"count"`
}

// Key returns the (instance, engine task) correlation key.
func (t *ActivationTask) Key() string {
	return t.ProcessInstanceID + "/" + t.EngineTaskID
}

// FailureMessage builds the diagnostic shown on the environment:
// "<step> failed on <Type>#<id> (<engineTaskId>) : <error>".
func (t *ActivationTask) FailureMessage(cause string) string {
	return fmt.Sprintf("%s failed on %s#%s (%s) : %s",
		t.Step, t.ResourceType, t.ResourceID, t.EngineTaskID, cause)
}
