package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/activation/pkg/engine"
)

// acceptAll is a handler eligible for every pair.
type acceptAll struct{}

func (acceptAll) Name() string { return "accept-all" }
func (acceptAll) Accept(engine.ResourceType, engine.LifecycleStep) bool { return true }
func (acceptAll) Start(_ context.Context, res *engine.Resource) engine.TaskStatus {
	return engine.NewTaskStatus(res.Ref()).Succeed()
}
func (acceptAll) Poll(_ context.Context, s engine.TaskStatus) engine.TaskStatus { return s }

func buildPlan(t *testing.T, step engine.LifecycleStep, labels map[string]string) *engine.TaskGraph {
	t.Helper()
	graph := &engine.ResourceGraph{
		EnvironmentID: "env-1",
		Labels:        labels,
		Resources: []engine.Resource{
			{ID: "org", Type: engine.ResourceTypeOrganization, Name: "acme"},
			{ID: "space", Type: engine.ResourceTypeSpace, Name: "dev", DependsOn: []string{"org"}},
			{ID: "app", Type: engine.ResourceTypeApplication, Name: "web", DependsOn: []string{"space"}},
			{ID: "mysql", Type: engine.ResourceTypeService, Name: "db", DependsOn: []string{"space"},
				Labels: map[string]string{"critical": "true"}},
		},
	}
	registry := engine.NewRegistry(zerolog.Nop(), acceptAll{})
	plan, err := engine.NewDAGBuilder(registry, zerolog.Nop()).BuildPlan(graph, step)
	require.NoError(t, err)
	return plan
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	e := newTestEngine(t)

	policies := e.Policies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got: %d", len(policies))
	}
	assert.Equal(t, "critical-resources", policies[0].Name)
	assert.Equal(t, "protected-environment", policies[1].Name)
	for _, p := range policies {
		assert.True(t, p.Builtin)
		assert.True(t, p.Enabled)
	}
}

func TestProtectedEnvironmentDeniesDelete(t *testing.T) {
	e := newTestEngine(t)
	plan := buildPlan(t, engine.StepDelete, map[string]string{"protected": "true"})

	result, err := e.Evaluate(context.Background(), plan)
	require.NoError(t, err)

	if result.Allowed {
		t.Fatal("Expected DELETE of protected environment to be denied")
	}
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "protected-environment", result.Violations[0].Policy)
	assert.Equal(t, "environment env-1 is protected and cannot be deleted", result.Violations[0].Message)

	err = result.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrPolicyDenied))
	assert.True(t, engine.IsConfiguration(err))
}

func TestProtectedEnvironmentAllowsActivate(t *testing.T) {
	e := newTestEngine(t)
	plan := buildPlan(t, engine.StepActivate, map[string]string{"protected": "true"})

	result, err := e.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NoError(t, result.Err())
	assert.Empty(t, result.Warnings)
	assert.Equal(t, []string{"critical-resources", "protected-environment"}, result.EvaluatedPolicies)
}

func TestCriticalResourceWarnsOnStop(t *testing.T) {
	e := newTestEngine(t)
	plan := buildPlan(t, engine.StepStop, nil)

	result, err := e.Evaluate(context.Background(), plan)
	require.NoError(t, err)

	assert.True(t, result.Allowed, "warnings must not block")
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "mysql", result.Warnings[0].Resource)
	assert.Equal(t, "STOP reaches critical resource service#mysql", result.Warnings[0].Message)
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Disable("protected-environment"))

	plan := buildPlan(t, engine.StepDelete, map[string]string{"protected": "true"})
	result, err := e.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	require.NoError(t, e.Enable("protected-environment"))
	result, err = e.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	assert.Error(t, e.Disable("missing"))
}

func TestLoadCustomPolicies(t *testing.T) {
	e := newTestEngine(t)

	custom := Policy{
		Name:    "max-tiers",
		Enabled: true,
		Rego: `package activation.policies.tiers

import rego.v1

deny contains msg if {
	count(input.tiers) > 2
	msg := sprintf("plan has %d tiers", [count(input.tiers)])
}`,
	}
	require.NoError(t, e.Load(context.Background(), []Policy{custom}))

	p, err := e.Get("max-tiers")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, p.Severity, "severity defaults to error")

	result, err := e.Evaluate(context.Background(), buildPlan(t, engine.StepActivate, nil))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"max-tiers: plan has 3 tiers"}, result.Messages())

	// Loading again replaces the custom set.
	require.NoError(t, e.Load(context.Background(), nil))
	_, err = e.Get("max-tiers")
	assert.Error(t, err)
	_, err = e.Get("protected-environment")
	assert.NoError(t, err)
}

func TestLoadRejectsBadPolicies(t *testing.T) {
	e := newTestEngine(t)

	good := Policy{Name: "good", Enabled: true, Rego: "package a.good\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"}
	require.NoError(t, e.Load(context.Background(), []Policy{good}))

	tests := []struct {
		name     string
		policies []Policy
		errMsg   string
	}{
		{
			name:     "syntax error",
			policies: []Policy{{Name: "broken", Rego: "package a.broken\n\ndeny contains msg if {"}},
			errMsg:   "failed to compile policy broken",
		},
		{
			name:     "no package",
			policies: []Policy{{Name: "nopkg", Rego: "deny := true"}},
			errMsg:   "no package declaration",
		},
		{
			name:     "shadows builtin",
			policies: []Policy{{Name: "protected-environment", Rego: good.Rego}},
			errMsg:   "shadows a built-in policy",
		},
		{
			name:     "missing name",
			policies: []Policy{{Rego: good.Rego, Source: "x.json"}},
			errMsg:   "has no name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Load(context.Background(), tt.policies)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			assert.Contains(t, err.Error(), tt.errMsg)

			_, err = e.Get("good")
			assert.NoError(t, err, "a failed load must keep the previous policies")
		})
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	e.loader.ReloadDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.LoadPaths(ctx, []string{dir}))
	require.NoError(t, e.Watch(ctx, []string{dir}))

	src := "# Deny every STOP\npackage activation.policies.nostop\n\nimport rego.v1\n\ndeny contains \"stop is disabled\" if input.step == \"STOP\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no-stop.rego"), []byte(src), 0o644))

	require.Eventually(t, func() bool {
		_, err := e.Get("no-stop")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	p, err := e.Get("no-stop")
	require.NoError(t, err)
	assert.Equal(t, "Deny every STOP", p.Description)

	result, err := e.Evaluate(ctx, buildPlan(t, engine.StepStop, nil))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}
