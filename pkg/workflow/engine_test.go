package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/process"
	"github.com/openfroyo/activation/pkg/telemetry"
)

type okHandler struct{ engine.Registration }

func (okHandler) Name() string { return "ok" }
func (okHandler) Start(_ context.Context, _ *engine.Resource) engine.TaskStatus {
	return engine.NewTaskStatus("ok").Succeed()
}
func (okHandler) Poll(_ context.Context, s engine.TaskStatus) engine.TaskStatus { return s }

func sampleDefinition(t *testing.T, step engine.LifecycleStep) *process.Definition {
	t.Helper()
	graph := &engine.ResourceGraph{
		EnvironmentID: "env-1",
		Resources: []engine.Resource{
			{ID: "org", Type: engine.ResourceTypeOrganization},
			{ID: "space", Type: engine.ResourceTypeSpace, DependsOn: []string{"org"}},
			{ID: "app", Type: engine.ResourceTypeApplication, DependsOn: []string{"space"}},
			{ID: "mysql", Type: engine.ResourceTypeService, DependsOn: []string{"space"}},
		},
	}
	registry := engine.NewRegistry(zerolog.Nop(), okHandler{engine.Registration{
		Types: engine.ResourceTypes(), Steps: engine.AllSteps(),
	}})
	plan, err := engine.NewDAGBuilder(registry, zerolog.Nop()).BuildPlan(graph, step)
	require.NoError(t, err)
	def, err := process.NewGenerator(zerolog.Nop()).Generate(plan)
	require.NoError(t, err)
	return def
}

// recorder tracks delegate invocations in order.
type recorder struct {
	mu       sync.Mutex
	order    []string
	failures []map[string]interface{}
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *capturePublisher) Publish(event telemetry.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newTestEngine(t *testing.T, taskFn process.DelegateFunc, rec *recorder) *Engine {
	t.Helper()
	e := NewEngine(Config{MaxParallel: 4}, zerolog.Nop(), nil)
	require.NoError(t, e.RegisterDelegate(process.DelegateActivation, taskFn))
	require.NoError(t, e.RegisterDelegate(process.DelegateFailure, process.DelegateFunc(
		func(_ context.Context, exec *process.DelegateExecution) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.failures = append(rec.failures, exec.Instance.Variables)
			return nil
		})))
	return e
}

func TestEngine_RunsTiersInOrder(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, func(_ context.Context, exec *process.DelegateExecution) error {
		rec.record(exec.StringVariable(engine.VarResourceID))
		return nil
	}, rec)

	ctx := context.Background()
	_, err := e.Deploy(ctx, sampleDefinition(t, engine.StepActivate))
	require.NoError(t, err)

	inst, err := e.StartInstance(ctx, "activation-env-1-activate", map[string]interface{}{"user": "test"})
	require.NoError(t, err)
	assert.Equal(t, process.InstanceStateQueued, inst.State)

	n, err := e.ExecuteDueWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := rec.calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "org", calls[0])
	assert.Equal(t, "space", calls[1])
	assert.ElementsMatch(t, []string{"app", "mysql"}, calls[2:])

	final, err := e.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, process.InstanceStateCompleted, final.State)
	assert.Equal(t, 4, final.Completed)
	assert.Equal(t, 4, final.Total)
	assert.Empty(t, rec.failures)

	// Nothing is due any more
	n, err = e.ExecuteDueWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_FailureSignalStopsLaterTiers(t *testing.T) {
	rec := &recorder{}
	var e *Engine
	e = newTestEngine(t, func(ctx context.Context, exec *process.DelegateExecution) error {
		id := exec.StringVariable(engine.VarResourceID)
		rec.record(id)
		if id == "space" {
			return e.Signal(ctx, exec.ID, engine.SignalTokenFailed, map[string]interface{}{
				engine.VarMessage: "ACTIVATE failed on space#space (task_1_0_space) : quota",
			})
		}
		return nil
	}, rec)

	ctx := context.Background()
	_, err := e.Deploy(ctx, sampleDefinition(t, engine.StepActivate))
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, "activation-env-1-activate", nil)
	require.NoError(t, err)

	_, err = e.ExecuteDueWork(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"org", "space"}, rec.calls())
	require.Len(t, rec.failures, 1)
	assert.Equal(t, "ACTIVATE failed on space#space (task_1_0_space) : quota", rec.failures[0][engine.VarMessage])

	final, err := e.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, process.InstanceStateFailed, final.State)
	assert.Equal(t, "task_1_0_space", final.FailedActivity)
}

func TestEngine_DelegateErrorRaisesBoundary(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, func(_ context.Context, exec *process.DelegateExecution) error {
		id := exec.StringVariable(engine.VarResourceID)
		rec.record(id)
		if id == "org" {
			panic("handler crashed")
		}
		return nil
	}, rec)

	ctx := context.Background()
	_, err := e.Deploy(ctx, sampleDefinition(t, engine.StepActivate))
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, "activation-env-1-activate", nil)
	require.NoError(t, err)
	_, err = e.ExecuteDueWork(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"org"}, rec.calls())
	require.Len(t, rec.failures, 1)
	assert.Contains(t, rec.failures[0][engine.VarMessage], "panicked: handler crashed")

	final, _ := e.Instance(ctx, inst.ID)
	assert.Equal(t, process.InstanceStateFailed, final.State)
}

func TestEngine_SignalIsIdempotent(t *testing.T) {
	rec := &recorder{}
	var e *Engine
	signals := 0
	e = newTestEngine(t, func(ctx context.Context, exec *process.DelegateExecution) error {
		for i := 0; i < 3; i++ {
			require.NoError(t, e.Signal(ctx, exec.ID, engine.SignalTokenFailed, map[string]interface{}{
				engine.VarMessage: "first",
			}))
			signals++
		}
		return nil
	}, rec)

	ctx := context.Background()
	_, err := e.Deploy(ctx, sampleDefinition(t, engine.StepActivate))
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, "activation-env-1-activate", nil)
	require.NoError(t, err)
	_, err = e.ExecuteDueWork(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, signals)
	require.Len(t, rec.failures, 1)

	exec, err := e.FindExecution(ctx, inst.ID, "task_0_0_org")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.True(t, exec.Ended)

	// Signals after the execution ended are dropped too
	assert.NoError(t, e.Signal(ctx, exec.ID, engine.SignalTokenFailed, nil))
}

func TestEngine_FindExecution(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, func(context.Context, *process.DelegateExecution) error { return nil }, rec)
	ctx := context.Background()

	_, err := e.FindExecution(ctx, "missing", "task")
	assert.Equal(t, engine.ErrCodeNotFound, engine.CodeOf(err))

	_, err = e.Deploy(ctx, sampleDefinition(t, engine.StepActivate))
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, "activation-env-1-activate", nil)
	require.NoError(t, err)

	exec, err := e.FindExecution(ctx, inst.ID, "task_0_0_org")
	require.NoError(t, err)
	assert.Nil(t, exec, "no execution before the instance runs")

	err = e.Signal(ctx, "unknown", engine.SignalTokenFailed, nil)
	assert.Equal(t, engine.ErrCodeNotFound, engine.CodeOf(err))
}

func TestEngine_DeployValidation(t *testing.T) {
	e := NewEngine(Config{}, zerolog.Nop(), nil)
	ctx := context.Background()

	_, err := e.Deploy(ctx, nil)
	assert.Error(t, err)

	def := sampleDefinition(t, engine.StepActivate)
	_, err = e.Deploy(ctx, def)
	require.Error(t, err, "delegates are not registered")
	assert.Contains(t, err.Error(), "unregistered delegate")

	require.NoError(t, e.RegisterDelegate(process.DelegateActivation, process.DelegateFunc(
		func(context.Context, *process.DelegateExecution) error { return nil })))
	require.NoError(t, e.RegisterDelegate(process.DelegateFailure, process.DelegateFunc(
		func(context.Context, *process.DelegateExecution) error { return nil })))
	assert.Error(t, e.RegisterDelegate(process.DelegateFailure, process.DelegateFunc(
		func(context.Context, *process.DelegateExecution) error { return nil })))

	def.Executable = false
	_, err = e.Deploy(ctx, def)
	assert.Error(t, err)

	def.Executable = true
	first, err := e.Deploy(ctx, def)
	require.NoError(t, err)
	second, err := e.Deploy(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	_, err = e.StartInstance(ctx, "nope", nil)
	assert.True(t, errors.Is(err, &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeNotFound}))
}

func TestEngine_PublishesEvents(t *testing.T) {
	pub := &capturePublisher{}
	e := NewEngine(Config{}, zerolog.Nop(), pub)
	noop := process.DelegateFunc(func(context.Context, *process.DelegateExecution) error { return nil })
	require.NoError(t, e.RegisterDelegate(process.DelegateActivation, noop))
	require.NoError(t, e.RegisterDelegate(process.DelegateFailure, noop))

	ctx := context.Background()
	_, err := e.Deploy(ctx, sampleDefinition(t, engine.StepDelete))
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, "activation-env-1-delete", nil)
	require.NoError(t, err)
	_, err = e.ExecuteDueWork(ctx)
	require.NoError(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, telemetry.EventTypeInstanceStarted, pub.events[0].Type)
	assert.Equal(t, telemetry.EventTypeInstanceCompleted, pub.events[1].Type)
	assert.Equal(t, inst.ID, pub.events[1].InstanceID)
}

func TestEngine_CancelledContextFailsInstance(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, func(_ context.Context, exec *process.DelegateExecution) error {
		rec.record(exec.ActivityID)
		return nil
	}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.Deploy(ctx, sampleDefinition(t, engine.StepActivate))
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, "activation-env-1-activate", nil)
	require.NoError(t, err)

	cancel()
	_, err = e.ExecuteDueWork(ctx)
	require.Error(t, err)
	assert.Empty(t, rec.calls())

	final, _ := e.Instance(context.Background(), inst.ID)
	assert.Equal(t, process.InstanceStateFailed, final.State)
}

func TestEngine_ForgetReleasesEndedInstance(t *testing.T) {
	rec := &recorder{}
	e := newTestEngine(t, func(_ context.Context, exec *process.DelegateExecution) error {
		rec.record(exec.StringVariable(engine.VarResourceID))
		return nil
	}, rec)

	ctx := context.Background()
	def := sampleDefinition(t, engine.StepActivate)
	_, err := e.Deploy(ctx, def)
	require.NoError(t, err)
	_, err = e.Deploy(ctx, def)
	require.NoError(t, err)

	inst, err := e.StartInstance(ctx, def.Key, nil)
	require.NoError(t, err)
	if err := e.Forget(ctx, inst.ID); err == nil {
		t.Fatal("Expected forgetting a queued instance to fail")
	}

	_, err = e.ExecuteDueWork(ctx)
	require.NoError(t, err)
	require.Len(t, e.executions, 4)

	require.NoError(t, e.Forget(ctx, inst.ID))
	assert.Empty(t, e.instances)
	assert.Empty(t, e.executions)
	assert.Empty(t, e.activities)
	assert.Len(t, e.deployments[def.Key], 1, "only the latest deployment is kept")

	_, err = e.Instance(ctx, inst.ID)
	assert.Equal(t, engine.ErrCodeNotFound, engine.CodeOf(err))
	assert.NoError(t, e.Forget(ctx, inst.ID))

	dep, err := e.Deploy(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 3, dep.Version)
}
