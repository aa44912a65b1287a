package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/process"
	"github.com/openfroyo/activation/pkg/telemetry"
)

// EventPublisher receives instance lifecycle events.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}

// Config configures the local engine.
type Config struct {
	// MaxParallel bounds the concurrent tasks of one fork.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
}

// Engine is an in-process workflow engine for generated definitions.
// Instances are queued by StartInstance and run by ExecuteDueWork; each
// fork runs its tasks on a bounded worker pool and joins before the next.
type Engine struct {
	maxParallel int
	logger      zerolog.Logger
	publisher   EventPublisher

	// mu protects every map below and the mutable fields they point to
	mu          sync.RWMutex
	delegates   map[string]process.Delegate
	deployments map[string][]*deployment
	versions    map[string]int
	instances   map[string]*instance
	executions  map[string]*execution
	activities  map[string]string
	queue       []string
}

type deployment struct {
	process.Deployment
	def *process.Definition
}

type instance struct {
	process.Instance
	def        *process.Definition
	executions []string
}

type execution struct {
	engine.Execution
	node        *process.Node
	signaled    bool
	token       string
	signalVars  map[string]interface{}
	delegateErr error
}

// NewEngine creates a local engine.
func NewEngine(cfg Config, logger zerolog.Logger, publisher EventPublisher) *Engine {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 10 // Default to 10 concurrent workers
	}

	return &Engine{
		maxParallel: maxParallel,
		logger:      logger.With().Str("component", "workflow-engine").Logger(),
		publisher:   publisher,
		delegates:   make(map[string]process.Delegate),
		deployments: make(map[string][]*deployment),
		versions:    make(map[string]int),
		instances:   make(map[string]*instance),
		executions:  make(map[string]*execution),
		activities:  make(map[string]string),
	}
}

// RegisterDelegate binds a delegate name used by task nodes.
func (e *Engine) RegisterDelegate(name string, delegate process.Delegate) error {
	if name == "" || delegate == nil {
		return fmt.Errorf("delegate name and implementation are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.delegates[name]; exists {
		return fmt.Errorf("delegate %s already registered", name)
	}
	e.delegates[name] = delegate
	return nil
}

// Deploy validates and registers a new version of the definition.
func (e *Engine) Deploy(ctx context.Context, def *process.Definition) (*process.Deployment, error) {
	if def == nil {
		return nil, engine.NewPermanentError("definition is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if !def.Executable {
		return nil, engine.NewPermanentError(fmt.Sprintf("definition %s is not executable", def.Key), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := def.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid definition", err).WithCode(engine.ErrCodeValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, node := range def.Nodes {
		if node.Kind != process.NodeKindTask {
			continue
		}
		if _, ok := e.delegates[node.Delegate]; !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("task %s uses unregistered delegate %s", node.ID, node.Delegate), nil,
			).WithCode(engine.ErrCodeNotFound)
		}
	}

	e.versions[def.Key]++
	dep := &deployment{
		Deployment: process.Deployment{
			ID:         uuid.New().String(),
			Key:        def.Key,
			Version:    e.versions[def.Key],
			DeployedAt: time.Now(),
		},
		def: def,
	}
	e.deployments[def.Key] = append(e.deployments[def.Key], dep)

	e.logger.Debug().
		Str("key", def.Key).
		Int("version", dep.Version).
		Msg("Definition deployed")

	out := dep.Deployment
	return &out, nil
}

// StartInstance queues an instance of the latest version of key.
func (e *Engine) StartInstance(ctx context.Context, key string, variables map[string]interface{}) (*process.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	versions := e.deployments[key]
	if len(versions) == 0 {
		return nil, engine.NewPermanentError(fmt.Sprintf("no deployment for key %s", key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	latest := versions[len(versions)-1]

	vars := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		vars[k] = v
	}

	inst := &instance{
		Instance: process.Instance{
			ID:           uuid.New().String(),
			Key:          key,
			DeploymentID: latest.ID,
			State:        process.InstanceStateQueued,
			Variables:    vars,
			StartedAt:    time.Now(),
			Total:        len(latest.def.Tasks()),
		},
		def: latest.def,
	}
	e.instances[inst.ID] = inst
	e.queue = append(e.queue, inst.ID)

	out := inst.snapshot()
	return &out, nil
}

// Instance returns a snapshot of an instance.
func (e *Engine) Instance(ctx context.Context, instanceID string) (*process.Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	inst, ok := e.instances[instanceID]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("instance %s not found", instanceID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	out := inst.snapshot()
	return &out, nil
}

// FindExecution looks up the execution of an activity within an instance.
// It returns nil without error when no such execution exists.
func (e *Engine) FindExecution(ctx context.Context, processInstanceID, activityID string) (*engine.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.instances[processInstanceID]; !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("instance %s not found", processInstanceID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	execID, ok := e.activities[processInstanceID+"/"+activityID]
	if !ok {
		return nil, nil
	}
	out := e.executions[execID].Execution
	out.Variables = copyVars(out.Variables)
	return &out, nil
}

// Signal raises a signal on an execution. Signaling an ended or already
// signaled execution is a no-op.
func (e *Engine) Signal(ctx context.Context, executionID, token string, variables map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("execution %s not found", executionID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if exec.Ended || exec.signaled {
		e.logger.Debug().
			Str("execution_id", executionID).
			Str("token", token).
			Msg("Ignoring signal on finished execution")
		return nil
	}

	exec.signaled = true
	exec.token = token
	exec.signalVars = copyVars(variables)
	for k, v := range variables {
		exec.Variables[k] = v
	}
	return nil
}

// Forget drops an ended instance with its executions, and every older
// deployment of its key that no remaining instance uses. Forgetting an
// unknown instance is a no-op.
func (e *Engine) Forget(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[instanceID]
	if !ok {
		return nil
	}
	if !inst.State.IsTerminal() {
		return engine.NewPermanentError(fmt.Sprintf("instance %s has not ended", instanceID), nil).
			WithCode(engine.ErrCodeValidation)
	}

	for _, execID := range inst.executions {
		if exec, ok := e.executions[execID]; ok {
			delete(e.activities, instanceID+"/"+exec.ActivityID)
			delete(e.executions, execID)
		}
	}
	delete(e.instances, instanceID)

	inUse := make(map[string]bool)
	for _, other := range e.instances {
		inUse[other.DeploymentID] = true
	}
	versions := e.deployments[inst.Key]
	kept := versions[:0]
	for i, dep := range versions {
		if i == len(versions)-1 || inUse[dep.ID] {
			kept = append(kept, dep)
		}
	}
	e.deployments[inst.Key] = kept
	return nil
}

// ExecuteDueWork runs every queued instance to completion and returns how
// many finished. Instances run concurrently with each other.
func (e *Engine) ExecuteDueWork(ctx context.Context) (int, error) {
	e.mu.Lock()
	due := e.queue
	e.queue = nil
	e.mu.Unlock()

	if len(due) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(due))
	for _, id := range due {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.runInstance(ctx, id); err != nil {
				errChan <- fmt.Errorf("instance %s: %w", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(errChan)

	// Collect errors
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}

	return len(due), firstErr
}

// runInstance walks the definition from start to an end node.
func (e *Engine) runInstance(ctx context.Context, id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("instance not found")
	}
	inst.State = process.InstanceStateRunning
	def := inst.def
	e.mu.Unlock()

	e.publish(id, telemetry.EventTypeInstanceStarted, telemetry.EventLevelInfo,
		fmt.Sprintf("Instance of %s started", def.Key), nil)

	start, _ := def.Start()
	current := start.ID
	failed := false

	for {
		node, ok := def.Node(current)
		if !ok {
			return e.finish(id, process.InstanceStateFailed, fmt.Errorf("unknown node %s", current))
		}

		switch node.Kind {
		case process.NodeKindStart, process.NodeKindJoin:
			current = def.Outgoing(node.ID)[0]

		case process.NodeKindFork:
			if err := ctx.Err(); err != nil {
				return e.finish(id, process.InstanceStateFailed, err)
			}
			boundary, join, err := e.runFork(ctx, inst, def, node)
			if err != nil {
				return e.finish(id, process.InstanceStateFailed, err)
			}
			if boundary != nil {
				failed = true
				current = def.Outgoing(boundary.ID)[0]
				continue
			}
			current = join

		case process.NodeKindTask:
			exec := e.newExecution(inst, node)
			e.runTask(ctx, inst, exec)
			current = def.Outgoing(node.ID)[0]

		case process.NodeKindEnd:
			state := process.InstanceStateCompleted
			if failed {
				state = process.InstanceStateFailed
			}
			return e.finish(id, state, nil)

		default:
			return e.finish(id, process.InstanceStateFailed,
				fmt.Errorf("node %s of kind %s cannot be entered", node.ID, node.Kind))
		}
	}
}

// runFork executes the tasks of one fork on a worker pool. When a task's
// boundary fired it returns that boundary, choosing the first failed task
// in fork order; otherwise it returns the join to continue with.
func (e *Engine) runFork(ctx context.Context, inst *instance, def *process.Definition, fork *process.Node) (*process.Node, string, error) {
	targets := def.Outgoing(fork.ID)
	if len(targets) == 0 {
		return nil, "", fmt.Errorf("fork %s has no tasks", fork.ID)
	}

	execs := make([]*execution, 0, len(targets))
	for _, target := range targets {
		node, ok := def.Node(target)
		if !ok || node.Kind != process.NodeKindTask {
			return nil, "", fmt.Errorf("fork %s leads to non-task %s", fork.ID, target)
		}
		execs = append(execs, e.newExecution(inst, node))
	}

	// Determine worker count (min of maxParallel and number of tasks)
	workerCount := e.maxParallel
	if len(execs) < workerCount {
		workerCount = len(execs)
	}

	workQueue := make(chan *execution, len(execs))
	for _, exec := range execs {
		workQueue <- exec
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for exec := range workQueue {
				e.runTask(ctx, inst, exec)
			}
		}()
	}
	wg.Wait()

	join := def.Outgoing(execs[0].node.ID)[0]

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, exec := range execs {
		boundary, ok := def.Boundary(exec.node.ID)
		if !ok || !exec.signaled || exec.token != boundary.SignalToken {
			continue
		}
		inst.FailedActivity = exec.node.ID
		for k, v := range exec.signalVars {
			inst.Variables[k] = v
		}
		return boundary, join, nil
	}
	return nil, join, nil
}

func (e *Engine) newExecution(inst *instance, node *process.Node) *execution {
	exec := &execution{
		Execution: engine.Execution{
			ID:                uuid.New().String(),
			ProcessInstanceID: inst.ID,
			ActivityID:        node.ID,
			Variables:         copyVars(node.Variables),
		},
		node: node,
	}

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.activities[inst.ID+"/"+node.ID] = exec.ID
	inst.executions = append(inst.executions, exec.ID)
	e.mu.Unlock()
	return exec
}

// runTask invokes the delegate of one execution. A delegate error or panic
// raises the failure signal itself unless one was already raised.
func (e *Engine) runTask(ctx context.Context, inst *instance, exec *execution) {
	e.mu.RLock()
	delegate := e.delegates[exec.node.Delegate]
	view := &process.DelegateExecution{
		Execution: engine.Execution{
			ID:                exec.ID,
			ProcessInstanceID: exec.ProcessInstanceID,
			ActivityID:        exec.ActivityID,
			Variables:         copyVars(exec.Variables),
		},
		Node:     exec.node,
		Instance: func() *process.Instance { s := inst.snapshot(); return &s }(),
	}
	e.mu.RUnlock()

	err := safeExecute(ctx, delegate, view)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("instance_id", inst.ID).
			Str("activity_id", exec.ActivityID).
			Msg("Delegate failed")
		if exec.node.Tier >= 0 {
			_ = e.Signal(ctx, exec.ID, engine.SignalTokenFailed, map[string]interface{}{
				engine.VarMessage: err.Error(),
			})
		}
	}

	e.mu.Lock()
	exec.Ended = true
	exec.delegateErr = err
	if exec.node.Tier >= 0 {
		inst.Completed++
	}
	e.mu.Unlock()
}

func safeExecute(ctx context.Context, delegate process.Delegate, exec *process.DelegateExecution) (err error) {
	if delegate == nil {
		return fmt.Errorf("no delegate %s", exec.Node.Delegate)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delegate %s panicked: %v", exec.Node.Delegate, r)
		}
	}()
	return delegate.Execute(ctx, exec)
}

func (e *Engine) finish(id string, state process.InstanceState, cause error) error {
	e.mu.Lock()
	inst := e.instances[id]
	inst.State = state
	inst.EndedAt = time.Now()
	key := inst.Key
	failedActivity := inst.FailedActivity
	duration := inst.EndedAt.Sub(inst.StartedAt)
	e.mu.Unlock()

	logger := e.logger.With().Str("instance_id", id).Str("key", key).Logger()
	if state == process.InstanceStateCompleted {
		logger.Info().Dur("duration", duration).Msg("Instance completed")
		e.publish(id, telemetry.EventTypeInstanceCompleted, telemetry.EventLevelInfo,
			fmt.Sprintf("Instance of %s completed", key), nil)
		return cause
	}

	logger.Warn().
		Str("failed_activity", failedActivity).
		AnErr("cause", cause).
		Msg("Instance failed")
	e.publish(id, telemetry.EventTypeInstanceFailed, telemetry.EventLevelError,
		fmt.Sprintf("Instance of %s failed", key),
		map[string]interface{}{"failed_activity": failedActivity})
	return cause
}

// publish sends an event without blocking execution on publisher errors.
func (e *Engine) publish(instanceID, eventType, level, message string, data map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(telemetry.Event{
		Type:       eventType,
		Source:     "workflow",
		InstanceID: instanceID,
		Message:    message,
		Level:      level,
		Data:       data,
	}); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

// snapshot copies the instance; call with e.mu held.
func (i *instance) snapshot() process.Instance {
	out := i.Instance
	out.Variables = copyVars(i.Variables)
	return out
}

func copyVars(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
