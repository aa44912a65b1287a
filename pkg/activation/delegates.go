package activation

import (
	"context"
	"fmt"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/process"
	"github.com/openfroyo/activation/pkg/telemetry"
)

// executeTask is the delegate of every plan task. It records the
// correlation record, drives the handler to a terminal status and hands
// that status to the completion callback. Handler failures are reported
// through the callback's signal, never as a delegate error.
func (o *Orchestrator) executeTask(ctx context.Context, exec *process.DelegateExecution) error {
	step, err := engine.ParseStep(exec.StringVariable(engine.VarStep))
	if err != nil {
		return err
	}

	task := &engine.ActivationTask{
		ProcessInstanceID: exec.ProcessInstanceID,
		Step:              step,
		EngineTaskID:      exec.ActivityID,
		EnvironmentID:     exec.StringVariable(engine.VarEnvironmentID),
		ResourceID:        exec.StringVariable(engine.VarResourceID),
		ResourceType:      engine.ResourceType(exec.StringVariable(engine.VarResourceType)),
		Index:             exec.IntVariable(engine.VarTaskIndex),
		Count:             exec.IntVariable(engine.VarTaskCount),
	}

	logger := o.logger.With().
		Str("instance_id", task.ProcessInstanceID).
		Str("task_id", task.EngineTaskID).
		Str("resource_id", task.ResourceID).
		Str("resource_type", string(task.ResourceType)).
		Str("step", step.String()).
		Logger()

	if err := o.recorder.SaveActivationTask(ctx, task); err != nil {
		return fmt.Errorf("failed to record task %s: %w", task.EngineTaskID, err)
	}

	ctx, span := o.tel.Tracer.StartTaskSpan(ctx, task.ProcessInstanceID, task.EngineTaskID,
		task.ResourceID, string(task.ResourceType), step.String())
	defer span.End()

	o.publish(o.tel.Events.PublishTaskStarted(task.ProcessInstanceID, task.EngineTaskID, task.ResourceID, step.String()))

	result, handlerName := o.drive(ctx, task)

	span.SetAttributes(
		telemetry.AttrTaskState.String(string(result.Status.State)),
		telemetry.AttrPollAttempts.Int(result.Attempts),
	)
	outcome := "ok"
	if result.Status.Failed() {
		outcome = "failed"
		if result.TimedOut() {
			outcome = "timeout"
		}
		telemetry.RecordError(span, result.Err)
		span.SetAttributes(telemetry.AttrErrorCode.String(engine.CodeOf(result.Err)))
		o.recordError(result.Err)
		o.publish(o.tel.Events.PublishTaskFailed(task.ProcessInstanceID, task.EngineTaskID, task.ResourceID,
			result.Status.Error, result.TimedOut()))
	} else {
		telemetry.RecordSuccess(span)
		o.publish(o.tel.Events.PublishTaskCompleted(task.ProcessInstanceID, task.EngineTaskID, task.ResourceID,
			result.Status.Duration()))
	}
	o.tel.Metrics.RecordTask(step.String(), string(task.ResourceType), outcome, result.Status.Duration(), result.TimedOut())
	if handlerName != "" {
		o.tel.Metrics.RecordPolls(handlerName, result.Attempts)
	}

	record, err := o.recorder.TakeActivationTask(ctx, task.ProcessInstanceID, task.EngineTaskID)
	if err != nil {
		logger.Warn().Err(err).Msg("Correlation record missing, using in-memory copy")
		record = task
	}

	o.reportProgress(ctx, task.ProcessInstanceID)

	return o.callback.OnTaskComplete(ctx, result.Status, record)
}

// drive resolves the resource and its handler and runs the task. Lookup
// failures become failed statuses so they surface like handler failures.
func (o *Orchestrator) drive(ctx context.Context, task *engine.ActivationTask) (engine.DriveResult, string) {
	title := fmt.Sprintf("%s %s#%s", task.Step, task.ResourceType, task.ResourceID)

	resource, err := o.repo.FindResource(ctx, task.EnvironmentID, task.ResourceID, task.ResourceType)
	if err != nil {
		return engine.DriveResult{
			Status: engine.TaskStatus{Title: title}.Fail(err.Error()),
			Err:    engine.NewRuntimeError("resource lookup failed", err).WithCode(engine.CodeOf(err)).WithResource(task.ResourceID),
		}, ""
	}

	handler, err := o.registry.Resolve(task.ResourceType, task.Step)
	if err == nil && handler == nil {
		err = engine.NewRuntimeError(fmt.Sprintf("no handler for %s on %s", task.Step, task.ResourceType), nil).
			WithCode(engine.ErrCodeNoEligibleHandler)
	}
	if err != nil {
		return engine.DriveResult{
			Status: engine.TaskStatus{Title: title}.Fail(err.Error()),
			Err:    err,
		}, ""
	}

	return o.driver.Drive(ctx, handler, resource, task.Step), handler.Name()
}

// reportProgress counts a finished task and publishes the new percent.
func (o *Orchestrator) reportProgress(ctx context.Context, instanceID string) {
	rs := o.run(instanceID)
	if rs == nil {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.finished++
	if rs.total > 0 {
		rs.percent = rs.finished * 100 / rs.total
	}
	message := fmt.Sprintf("%d of %d tasks finished", rs.finished, rs.total)
	if err := o.updateStatus(ctx, rs.environmentID, rs.step.InProgressStatus(), message, rs.percent); err != nil {
		o.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to report progress")
	}
}

// reportFailure is the delegate of the shared failure node. It receives
// the diagnostic raised by the completion callback.
func (o *Orchestrator) reportFailure(ctx context.Context, exec *process.DelegateExecution) error {
	environmentID := exec.StringVariable(engine.VarEnvironmentID)
	message := exec.StringVariable(engine.VarMessage)
	if message == "" {
		message = fmt.Sprintf("%s failed", exec.StringVariable(engine.VarStep))
	}

	percent := 0
	if rs := o.run(exec.ProcessInstanceID); rs != nil {
		rs.mu.Lock()
		rs.failed = true
		rs.message = message
		percent = rs.percent
		rs.mu.Unlock()
	}

	o.logger.Warn().
		Str("environment_id", environmentID).
		Str("instance_id", exec.ProcessInstanceID).
		Int("percent", percent).
		Msg(message)

	return o.updateStatus(context.WithoutCancel(ctx), environmentID, engine.EnvironmentStatusFailed, message, percent)
}
