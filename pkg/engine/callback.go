package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CompletionCallback translates a terminal task status into a workflow
// engine reaction. Success needs nothing beyond normal flow progression;
// failure raises the failure signal on the task's execution exactly once.
type CompletionCallback struct {
	signaler ExecutionSignaler
	logger   zerolog.Logger

	mu       sync.Mutex
	signaled map[string]bool
}

// NewCompletionCallback creates a callback signaling through the given engine.
func NewCompletionCallback(signaler ExecutionSignaler, logger zerolog.Logger) *CompletionCallback {
	return &CompletionCallback{
		signaler: signaler,
		logger:   logger.With().Str("component", "completion-callback").Logger(),
		signaled: make(map[string]bool),
	}
}

// OnTaskComplete reacts to the terminal status of the correlated task.
// Delivering the same failure twice for one execution is a no-op.
func (c *CompletionCallback) OnTaskComplete(ctx context.Context, status TaskStatus, task *ActivationTask) error {
	if task == nil {
		return NewPermanentError("completion without correlation record", nil).
			WithCode(ErrCodeValidation)
	}
	if !status.IsComplete() {
		return NewPermanentError(fmt.Sprintf("status %q is not terminal", status.State), nil).
			WithCode(ErrCodeValidation).
			WithResource(task.ResourceID).
			WithOperation(task.Step.String())
	}

	if status.Succeeded() {
		c.logger.Debug().
			Str("instance_id", task.ProcessInstanceID).
			Str("task_id", task.EngineTaskID).
			Msg("Task succeeded")
		return nil
	}

	key := task.Key()
	c.mu.Lock()
	if c.signaled[key] {
		c.mu.Unlock()
		c.logger.Debug().Str("task_id", task.EngineTaskID).Msg("Failure already signaled, ignoring")
		return nil
	}
	c.signaled[key] = true
	c.mu.Unlock()

	exec, err := c.signaler.FindExecution(ctx, task.ProcessInstanceID, task.EngineTaskID)
	if err != nil {
		c.forget(key)
		return NewRuntimeError("failed to find execution", err).
			WithCode(ErrCodeNotFound).
			WithResource(task.ResourceID).
			WithOperation(task.Step.String())
	}
	if exec == nil {
		c.forget(key)
		return NewRuntimeError(
			fmt.Sprintf("no execution for task %s in instance %s", task.EngineTaskID, task.ProcessInstanceID), nil,
		).WithCode(ErrCodeNotFound).WithResource(task.ResourceID)
	}

	task.LastError = status.Error
	message := task.FailureMessage(status.Error)
	vars := map[string]interface{}{
		VarResourceID:   task.ResourceID,
		VarResourceType: string(task.ResourceType),
		VarStep:         task.Step.String(),
		VarMessage:      message,
	}

	if err := c.signaler.Signal(ctx, exec.ID, SignalTokenFailed, vars); err != nil {
		c.forget(key)
		return NewRuntimeError("failed to signal execution", err).
			WithCode(ErrCodeInternal).
			WithResource(task.ResourceID).
			WithOperation(task.Step.String())
	}

	c.logger.Info().
		Str("instance_id", task.ProcessInstanceID).
		Str("task_id", task.EngineTaskID).
		Str("execution_id", exec.ID).
		Msg(message)

	return nil
}

// ForgetInstance drops the idempotence records of a finished process instance.
func (c *CompletionCallback) ForgetInstance(processInstanceID string) {
	prefix := processInstanceID + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.signaled {
		if strings.HasPrefix(key, prefix) {
			delete(c.signaled, key)
		}
	}
}

func (c *CompletionCallback) forget(key string) {
	c.mu.Lock()
	delete(c.signaled, key)
	c.mu.Unlock()
}
