package process

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/activation/pkg/engine"
)

// InstanceState is the state of one process instance.
type InstanceState string

const (
	InstanceStateQueued    InstanceState = "queued"
	InstanceStateRunning   InstanceState = "running"
	InstanceStateCompleted InstanceState = "completed"
	InstanceStateFailed    InstanceState = "failed"
)

// IsTerminal returns true if the instance will not run again.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateFailed
}

// Deployment is a deployed definition version.
type Deployment struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Version    int       `json:"version"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Instance is one run of a deployed definition.
type Instance struct {
	ID           string                 `json:"id"`
	Key          string                 `json:"key"`
	DeploymentID string                 `json:"deployment_id"`
	State        InstanceState          `json:"state"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty"`

	// FailedActivity is the task whose boundary fired, if any.
	FailedActivity string `json:"failed_activity,omitempty"`

	// Completed counts the tasks that left their activity.
	Completed int `json:"completed"`

	// Total is the number of plan tasks.
	Total int `json:"total"`
}

// DelegateExecution is what a delegate sees of the running activity.
type DelegateExecution struct {
	engine.Execution

	// Node is the node being executed.
	Node *Node

	// Instance is a snapshot of the owning instance.
	Instance *Instance
}

// Variable returns a variable from the node, execution or instance scope.
func (e *DelegateExecution) Variable(name string) (interface{}, bool) {
	if e.Node != nil {
		if v, ok := e.Node.Variables[name]; ok {
			return v, true
		}
	}
	if v, ok := e.Variables[name]; ok {
		return v, true
	}
	if e.Instance != nil {
		if v, ok := e.Instance.Variables[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// StringVariable returns a variable as a string.
func (e *DelegateExecution) StringVariable(name string) string {
	v, ok := e.Variable(name)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// IntVariable returns a numeric variable as an int.
func (e *DelegateExecution) IntVariable(name string) int {
	v, _ := e.Variable(name)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Delegate implements the behavior bound to a task node.
type Delegate interface {
	Execute(ctx context.Context, exec *DelegateExecution) error
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, exec *DelegateExecution) error

// Execute calls f.
func (f DelegateFunc) Execute(ctx context.Context, exec *DelegateExecution) error {
	return f(ctx, exec)
}

// Engine is the contract of the external workflow engine. The core only
// ever submits generated definitions through it.
type Engine interface {
	engine.ExecutionSignaler

	// RegisterDelegate binds a delegate name used by task nodes.
	RegisterDelegate(name string, delegate Delegate) error

	// Deploy registers a definition; redeploying a key creates a new version.
	Deploy(ctx context.Context, def *Definition) (*Deployment, error)

	// StartInstance queues a new instance of the latest version of key.
	StartInstance(ctx context.Context, key string, variables map[string]interface{}) (*Instance, error)

	// Instance returns a snapshot of an instance.
	Instance(ctx context.Context, instanceID string) (*Instance, error)

	// ExecuteDueWork runs queued instances and returns how many finished.
	ExecuteDueWork(ctx context.Context) (int, error)

	// Forget releases the state of an ended instance.
	Forget(ctx context.Context, instanceID string) error
}
