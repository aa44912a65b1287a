package process

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/activation/pkg/engine"
)

type acceptAll struct{ engine.Registration }

func (acceptAll) Name() string { return "all" }
func (acceptAll) Start(_ context.Context, _ *engine.Resource) engine.TaskStatus {
	return engine.NewTaskStatus("all").Succeed()
}
func (acceptAll) Poll(_ context.Context, s engine.TaskStatus) engine.TaskStatus { return s }

func samplePlan(t *testing.T, step engine.LifecycleStep) *engine.TaskGraph {
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
	h := acceptAll{engine.Registration{Types: engine.ResourceTypes(), Steps: engine.AllSteps()}}
	builder := engine.NewDAGBuilder(engine.NewRegistry(zerolog.Nop(), h), zerolog.Nop())
	plan, err := builder.BuildPlan(graph, step)
	require.NoError(t, err)
	return plan
}

func TestGenerator_Generate_Shape(t *testing.T) {
	def, err := NewGenerator(zerolog.Nop()).Generate(samplePlan(t, engine.StepActivate))
	require.NoError(t, err)

	assert.True(t, def.Executable)
	assert.Equal(t, "activation-env-1-activate", def.Key)
	assert.NoError(t, def.Validate())

	assert.Equal(t, []string{"fork_0"}, def.Outgoing(StartNodeID))
	assert.Equal(t, []string{"task_0_0_org"}, def.Outgoing("fork_0"))
	assert.Equal(t, []string{"join_0"}, def.Outgoing("task_0_0_org"))
	assert.Equal(t, []string{"fork_1"}, def.Outgoing("join_0"))
	assert.Equal(t, []string{"task_2_0_app", "task_2_1_mysql"}, def.Outgoing("fork_2"))
	assert.Equal(t, []string{EndNodeID}, def.Outgoing("join_2"))

	tasks := def.Tasks()
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		b, ok := def.Boundary(task.ID)
		require.True(t, ok, "task %s has no boundary", task.ID)
		assert.Equal(t, engine.SignalTokenFailed, b.SignalToken)
		assert.Equal(t, []string{FailureNodeID}, def.Outgoing(b.ID))
		assert.Equal(t, DelegateActivation, task.Delegate)
	}

	failure, ok := def.Node(FailureNodeID)
	require.True(t, ok)
	assert.Equal(t, DelegateFailure, failure.Delegate)
	assert.Equal(t, []string{FailedEndNodeID}, def.Outgoing(FailureNodeID))

	mysql, _ := def.Node("task_2_1_mysql")
	assert.Equal(t, "mysql", mysql.Variables[engine.VarResourceID])
	assert.Equal(t, "service", mysql.Variables[engine.VarResourceType])
	assert.Equal(t, "ACTIVATE", mysql.Variables[engine.VarStep])
	assert.Equal(t, 1, mysql.Variables[engine.VarTaskIndex])
	assert.Equal(t, 2, mysql.Variables[engine.VarTaskCount])
}

func TestGenerator_Generate_Deterministic(t *testing.T) {
	gen := NewGenerator(zerolog.Nop())
	first, err := gen.Generate(samplePlan(t, engine.StepDelete))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := gen.Generate(samplePlan(t, engine.StepDelete))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Equal(t, []string{"task_0_0_app", "task_0_1_mysql"}, first.Outgoing("fork_0"))
}

func TestGenerator_Generate_EmptyPlan(t *testing.T) {
	plan := &engine.TaskGraph{EnvironmentID: "env-1", Step: engine.StepInit}
	def, err := NewGenerator(zerolog.Nop()).Generate(plan)
	require.NoError(t, err)

	assert.True(t, def.Executable)
	assert.Equal(t, []string{EndNodeID}, def.Outgoing(StartNodeID))
	_, hasFailure := def.Node(FailureNodeID)
	assert.False(t, hasFailure)
}

func TestDefinitionKey_DistinctForLookalikeIDs(t *testing.T) {
	ids := []string{"env.1", "env_1", "env 1", "env__1", "env_x2e_1", "env-1"}
	seen := make(map[string]string)
	for _, id := range ids {
		key := DefinitionKey(id, engine.StepActivate)
		if other, ok := seen[key]; ok {
			t.Fatalf("Expected distinct keys, %q and %q both map to %s", other, id, key)
		}
		seen[key] = id
	}

	assert.Equal(t, "activation-env-1-activate", DefinitionKey("env-1", engine.StepActivate))
	assert.Equal(t, "activation-env__1-stop", DefinitionKey("env_1", engine.StepStop))
	assert.Equal(t, "activation-env_x2e_1-stop", DefinitionKey("env.1", engine.StepStop))
	assert.Equal(t, "task_2_0_db_x2e_main", TaskID(2, 0, "db.main"))
	assert.NotEqual(t, TaskID(0, 0, "a.b"), TaskID(0, 0, "a_b"))
}

func TestGenerator_Generate_Nil(t *testing.T) {
	_, err := NewGenerator(zerolog.Nop()).Generate(nil)
	assert.Error(t, err)
}

func TestGenerator_Generate_YAML(t *testing.T) {
	def, err := NewGenerator(zerolog.Nop()).Generate(samplePlan(t, engine.StepActivate))
	require.NoError(t, err)

	out, err := yaml.Marshal(def)
	require.NoError(t, err)
	assert.Contains(t, string(out), "step: ACTIVATE")
	assert.Contains(t, string(out), "delegate: activation.failure")
}

func TestDefinition_Validate(t *testing.T) {
	base := func() *Definition {
		return &Definition{
			Key:        "k",
			Executable: true,
			Nodes: []Node{
				{ID: "start", Kind: NodeKindStart, Tier: -1},
				{ID: "t", Kind: NodeKindTask, Delegate: "d", Tier: 0},
				{ID: "b", Kind: NodeKindBoundary, AttachedTo: "t", Tier: -1},
				{ID: "end", Kind: NodeKindEnd, Tier: -1},
			},
			Flows: []Flow{
				{ID: "f1", Source: "start", Target: "t"},
				{ID: "f2", Source: "t", Target: "end"},
				{ID: "f3", Source: "b", Target: "end"},
			},
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(d *Definition)
		want   string
	}{
		{"missing key", func(d *Definition) { d.Key = "" }, "key is required"},
		{"duplicate node", func(d *Definition) { d.Nodes = append(d.Nodes, Node{ID: "t", Kind: NodeKindEnd}) }, "duplicate node ID"},
		{"unknown target", func(d *Definition) { d.Flows[1].Target = "ghost" }, "unknown target"},
		{"task without boundary", func(d *Definition) { d.Nodes[2].AttachedTo = "start" }, "no failure boundary"},
		{"boundary on non-task", func(d *Definition) {
			d.Nodes = append(d.Nodes, Node{ID: "b2", Kind: NodeKindBoundary, AttachedTo: "end", Tier: -1})
			d.Flows = append(d.Flows, Flow{ID: "f4", Source: "b2", Target: "end"})
		}, "not attached"},
		{"unreachable", func(d *Definition) {
			d.Nodes = append(d.Nodes, Node{ID: "lost", Kind: NodeKindEnd, Tier: -1})
		}, "unreachable"},
		{"no delegate", func(d *Definition) { d.Nodes[1].Delegate = "" }, "no delegate"},
		{"bad kind", func(d *Definition) { d.Nodes[3].Kind = "gateway" }, "invalid node kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDelegateExecution_Variables(t *testing.T) {
	exec := &DelegateExecution{
		Execution: engine.Execution{Variables: map[string]interface{}{"message": "local"}},
		Node:      &Node{Variables: map[string]interface{}{engine.VarTaskIndex: 3}},
		Instance:  &Instance{Variables: map[string]interface{}{engine.VarEnvironmentID: "env-1", "message": "instance"}},
	}

	assert.Equal(t, 3, exec.IntVariable(engine.VarTaskIndex))
	assert.Equal(t, "env-1", exec.StringVariable(engine.VarEnvironmentID))
	assert.Equal(t, "local", exec.StringVariable("message"))
	assert.Equal(t, "", exec.StringVariable("missing"))
}
