package activation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/policy"
	"github.com/openfroyo/activation/pkg/process"
	"github.com/openfroyo/activation/pkg/telemetry"
)

// Admission decides whether a plan may be scheduled.
type Admission interface {
	Evaluate(ctx context.Context, plan *engine.TaskGraph) (*policy.Result, error)
}

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Repository engine.ResourceRepository
	Status     engine.StatusSink
	Recorder   engine.TaskRecorder
	Registry   *engine.Registry
	Engine     process.Engine
	Driver     *engine.TaskDriver

	// Admission is optional; without it every plan is admitted.
	Admission Admission

	// Telemetry is optional; it defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger
}

// Plan is a validated, admitted and lowered plan.
type Plan struct {
	Graph      *engine.TaskGraph
	Definition *process.Definition

	// Admission is the policy result, nil without an admission policy.
	Admission *policy.Result
}

// Run is a started process instance.
type Run struct {
	InstanceID    string
	EnvironmentID string
	Step          engine.LifecycleStep
	Plan          *Plan
	Deployment    *process.Deployment
}

// Outcome is the final state of a run.
type Outcome struct {
	InstanceID     string                   `json:"instance_id"`
	EnvironmentID  string                   `json:"environment_id"`
	Step           engine.LifecycleStep     `json:"step"`
	State          process.InstanceState    `json:"state"`
	Status         engine.EnvironmentStatus `json:"status"`
	Message        string                   `json:"message,omitempty"`
	Percent        int                      `json:"percent"`
	FailedActivity string                   `json:"failed_activity,omitempty"`
}

// Succeeded returns true when the instance completed without failure.
func (o *Outcome) Succeeded() bool {
	return o.State == process.InstanceStateCompleted
}

// runState tracks the progress of one instance. mu serializes status
// updates so the reported percent never goes backwards.
type runState struct {
	mu            sync.Mutex
	environmentID string
	step          engine.LifecycleStep
	total         int
	finished      int
	percent       int
	failed        bool
	message       string
}

// Orchestrator turns environment snapshots into running process instances
// and reports their progress on the environment status.
type Orchestrator struct {
	repo      engine.ResourceRepository
	status    engine.StatusSink
	recorder  engine.TaskRecorder
	registry  *engine.Registry
	builder   *engine.DAGBuilder
	generator *process.Generator
	engine    process.Engine
	driver    *engine.TaskDriver
	callback  *engine.CompletionCallback
	admission Admission
	tel       *telemetry.Telemetry
	logger    zerolog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an orchestrator and registers its delegates on the engine.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Repository == nil:
		return nil, fmt.Errorf("resource repository is required")
	case opts.Status == nil:
		return nil, fmt.Errorf("status sink is required")
	case opts.Recorder == nil:
		return nil, fmt.Errorf("task recorder is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("handler registry is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("workflow engine is required")
	case opts.Driver == nil:
		return nil, fmt.Errorf("task driver is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	o := &Orchestrator{
		repo:      opts.Repository,
		status:    opts.Status,
		recorder:  opts.Recorder,
		registry:  opts.Registry,
		builder:   engine.NewDAGBuilder(opts.Registry, opts.Logger),
		generator: process.NewGenerator(opts.Logger),
		engine:    opts.Engine,
		driver:    opts.Driver,
		callback:  engine.NewCompletionCallback(opts.Engine, opts.Logger),
		admission: opts.Admission,
		tel:       tel,
		logger:    opts.Logger.With().Str("component", "orchestrator").Logger(),
		runs:      make(map[string]*runState),
	}

	if err := opts.Engine.RegisterDelegate(process.DelegateActivation, process.DelegateFunc(o.executeTask)); err != nil {
		return nil, fmt.Errorf("failed to register activation delegate: %w", err)
	}
	if err := opts.Engine.RegisterDelegate(process.DelegateFailure, process.DelegateFunc(o.reportFailure)); err != nil {
		return nil, fmt.Errorf("failed to register failure delegate: %w", err)
	}

	return o, nil
}

// Plan snapshots the environment and builds, admits and lowers the plan
// for step. Nothing is scheduled; any error aborts before deployment.
func (o *Orchestrator) Plan(ctx context.Context, environmentID string, step engine.LifecycleStep) (plan *Plan, err error) {
	ctx, span := o.tel.Tracer.StartPlanSpan(ctx, environmentID, step.String())
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	logger := o.logger.With().
		Str("environment_id", environmentID).
		Str("step", step.String()).
		Logger()

	if err := step.Validate(); err != nil {
		return nil, engine.NewConfigurationError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}

	graph, err := o.repo.Snapshot(ctx, environmentID)
	if err != nil {
		o.recordPlanFailure(step, err)
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		o.recordPlanFailure(step, err)
		return nil, err
	}

	taskGraph, err := o.builder.BuildPlan(graph, step)
	if err != nil {
		o.recordPlanFailure(step, err)
		return nil, err
	}

	plan = &Plan{Graph: taskGraph}
	if o.admission != nil {
		result, err := o.admission.Evaluate(ctx, taskGraph)
		if err != nil {
			o.recordPlanFailure(step, err)
			return nil, err
		}
		plan.Admission = result
		for _, w := range result.Warnings {
			logger.Warn().Str("policy", w.Policy).Str("resource_id", w.Resource).Msg(w.Message)
		}
		if !result.Allowed {
			o.publish(o.tel.Events.PublishPolicyViolation(environmentID, step.String(), result.Messages()))
			o.tel.Metrics.RecordPlanGenerated(step.String(), "denied", 0)
			denied := result.Err()
			o.tel.Metrics.RecordError(string(engine.ErrorClassConfiguration), engine.CodeOf(denied))
			return nil, denied
		}
	}

	def, err := o.generator.Generate(taskGraph)
	if err != nil {
		o.recordPlanFailure(step, err)
		return nil, err
	}
	plan.Definition = def

	o.tel.Metrics.RecordPlanGenerated(step.String(), "ok", taskGraph.Size())
	o.publish(o.tel.Events.PublishPlanGenerated(environmentID, step.String(), taskGraph.Size(), taskGraph.Depth()))

	logger.Info().
		Int("tasks", taskGraph.Size()).
		Int("tiers", taskGraph.Depth()).
		Msg("Plan generated")

	return plan, nil
}

// Start plans step, marks the environment in progress, deploys the
// definition and queues an instance. Work runs on the next Execute.
func (o *Orchestrator) Start(ctx context.Context, environmentID string, step engine.LifecycleStep) (*Run, error) {
	plan, err := o.Plan(ctx, environmentID, step)
	if err != nil {
		return nil, err
	}

	if err := o.updateStatus(ctx, environmentID, step.InProgressStatus(), "", 0); err != nil {
		return nil, err
	}

	dep, err := o.engine.Deploy(ctx, plan.Definition)
	if err != nil {
		err = fmt.Errorf("failed to deploy %s: %w", plan.Definition.Key, err)
		o.abortStart(ctx, environmentID, step, err)
		return nil, err
	}

	inst, err := o.engine.StartInstance(ctx, plan.Definition.Key, map[string]interface{}{
		engine.VarEnvironmentID: environmentID,
		engine.VarStep:          step.String(),
	})
	if err != nil {
		err = fmt.Errorf("failed to start instance of %s: %w", plan.Definition.Key, err)
		o.abortStart(ctx, environmentID, step, err)
		return nil, err
	}

	o.mu.Lock()
	o.runs[inst.ID] = &runState{
		environmentID: environmentID,
		step:          step,
		total:         plan.Graph.Size(),
	}
	o.mu.Unlock()
	o.tel.Metrics.InstanceStarted()

	o.logger.Info().
		Str("environment_id", environmentID).
		Str("step", step.String()).
		Str("instance_id", inst.ID).
		Int("version", dep.Version).
		Msg("Instance started")

	return &Run{
		InstanceID:    inst.ID,
		EnvironmentID: environmentID,
		Step:          step,
		Plan:          plan,
		Deployment:    dep,
	}, nil
}

// Execute runs all queued instances and finalizes the environment status
// of every instance that ended. Outcomes are ordered by instance ID. A
// failure to finalize one instance does not stop the others; all errors
// are joined.
func (o *Orchestrator) Execute(ctx context.Context) ([]*Outcome, error) {
	_, runErr := o.engine.ExecuteDueWork(ctx)
	errs := []error{runErr}

	o.mu.Lock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)

	var outcomes []*Outcome
	for _, id := range ids {
		outcome, err := o.finalize(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to finalize instance %s: %w", id, err))
		}
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, errors.Join(errs...)
}

// RunToCompletion starts step and executes it, returning the outcome.
func (o *Orchestrator) RunToCompletion(ctx context.Context, environmentID string, step engine.LifecycleStep) (*Outcome, error) {
	run, err := o.Start(ctx, environmentID, step)
	if err != nil {
		return nil, err
	}

	outcomes, runErr := o.Execute(ctx)
	for _, outcome := range outcomes {
		if outcome.InstanceID == run.InstanceID {
			return outcome, runErr
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return nil, fmt.Errorf("instance %s did not finish", run.InstanceID)
}

// finalize reports the terminal status of an ended instance and forgets
// it. It returns nil for instances still queued or running. The outcome is
// returned even when reporting its status fails.
func (o *Orchestrator) finalize(ctx context.Context, instanceID string) (*Outcome, error) {
	inst, err := o.engine.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.State.IsTerminal() {
		return nil, nil
	}

	o.mu.Lock()
	rs := o.runs[instanceID]
	delete(o.runs, instanceID)
	o.mu.Unlock()
	if rs == nil {
		return nil, nil
	}

	defer o.forget(ctx, instanceID)
	defer o.tel.Metrics.InstanceFinished()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	outcome := &Outcome{
		InstanceID:     instanceID,
		EnvironmentID:  rs.environmentID,
		Step:           rs.step,
		State:          inst.State,
		FailedActivity: inst.FailedActivity,
	}

	switch {
	case inst.State == process.InstanceStateCompleted:
		outcome.Status = rs.step.DoneStatus()
		outcome.Percent = 100
		if err := o.updateStatus(ctx, rs.environmentID, outcome.Status, "", 100); err != nil {
			return outcome, err
		}

	case rs.failed:
		outcome.Status = engine.EnvironmentStatusFailed
		outcome.Message = rs.message
		outcome.Percent = rs.percent

	default:
		// Ended without reaching the failure node, e.g. on cancellation.
		outcome.Status = engine.EnvironmentStatusFailed
		outcome.Message = fmt.Sprintf("%s aborted after %d of %d tasks", rs.step, rs.finished, rs.total)
		outcome.Percent = rs.percent
		if err := o.updateStatus(context.WithoutCancel(ctx), rs.environmentID, outcome.Status, outcome.Message, rs.percent); err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// forget releases the callback and engine state of a finalized instance.
func (o *Orchestrator) forget(ctx context.Context, instanceID string) {
	o.callback.ForgetInstance(instanceID)
	if err := o.engine.Forget(context.WithoutCancel(ctx), instanceID); err != nil {
		o.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to release instance")
	}
}

// abortStart marks the environment failed when no instance could be queued.
func (o *Orchestrator) abortStart(ctx context.Context, environmentID string, step engine.LifecycleStep, cause error) {
	o.recordError(cause)
	message := fmt.Sprintf("%s could not be started: %v", step, cause)
	if err := o.updateStatus(context.WithoutCancel(ctx), environmentID, engine.EnvironmentStatusFailed, message, 0); err != nil {
		o.logger.Error().Err(err).Str("environment_id", environmentID).Msg("Failed to report start failure")
	}
}

func (o *Orchestrator) run(instanceID string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[instanceID]
}

// updateStatus writes the environment status and reports the transition.
func (o *Orchestrator) updateStatus(ctx context.Context, environmentID string, status engine.EnvironmentStatus, message string, percent int) error {
	if err := o.status.UpdateStatus(ctx, environmentID, status, message, percent); err != nil {
		return fmt.Errorf("failed to update status of %s: %w", environmentID, err)
	}
	o.tel.Metrics.RecordStatusTransition(string(status))
	o.publish(o.tel.Events.PublishEnvironmentStatus(environmentID, string(status), message, percent))
	return nil
}

func (o *Orchestrator) recordPlanFailure(step engine.LifecycleStep, err error) {
	o.tel.Metrics.RecordPlanGenerated(step.String(), "error", 0)
	o.recordError(err)
}

func (o *Orchestrator) recordError(err error) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		o.tel.Metrics.RecordError(string(ee.Class), ee.Code)
		return
	}
	o.tel.Metrics.RecordError("unclassified", "")
}

// publish drops event delivery errors; events never fail a run.
func (o *Orchestrator) publish(err error) {
	if err != nil {
		o.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}
