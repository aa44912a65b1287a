package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/activation/pkg/engine"
)

const shopDefinition = `
environment: {
	id: "shop-dev"
	name: "shop (dev)"
	labels: protected: "true"
}

resources: {
	org: {type: "organization", name: "acme"}
	space: {type: "space", depends_on: ["org"]}
	db: {
		type: "service"
		name: "mysql"
		depends_on: ["space"]
		labels: critical: "true"
	}
	app: {type: "application", depends_on: ["space", "db"]}
}
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errSubstr string
		checkFunc func(*testing.T, *ParsedEnvironment)
	}{
		{
			name:    "struct of resources",
			content: shopDefinition,
			checkFunc: func(t *testing.T, pe *ParsedEnvironment) {
				if pe.Environment.ID != "shop-dev" {
					t.Errorf("Expected environment ID shop-dev, got: %s", pe.Environment.ID)
				}
				ids := make([]string, len(pe.Resources))
				for i, r := range pe.Resources {
					ids[i] = r.ID
				}
				assert.Equal(t, []string{"org", "space", "db", "app"}, ids)
				assert.Equal(t, "true", pe.Resources[2].Labels["critical"])
				assert.Equal(t, []string{"space", "db"}, pe.Resources[3].DependsOn)
			},
		},
		{
			name: "list of resources",
			content: `
environment: id: "env-1"
resources: [
	{id: "org", type: "organization"},
	{id: "space", type: "space", depends_on: ["org"]},
]
`,
			checkFunc: func(t *testing.T, pe *ParsedEnvironment) {
				require.Len(t, pe.Resources, 2)
				assert.Equal(t, "space", pe.Resources[1].ID)
				assert.Equal(t, "env-1", pe.DisplayName())
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
environment: {
	id: "x"
	invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name: "missing environment",
			content: `
resources: org: type: "organization"
`,
			wantErr:   true,
			errSubstr: "environment block is required",
		},
		{
			name: "unknown resource type",
			content: `
environment: id: "env-1"
resources: vm: type: "virtual_machine"
`,
			wantErr:   true,
			errSubstr: "resources.vm",
		},
		{
			name: "duplicate resource id",
			content: `
environment: id: "env-1"
resources: [
	{id: "org", type: "organization"},
	{id: "org", type: "organization"},
]
`,
			wantErr:   true,
			errSubstr: "duplicate resource ID org",
		},
		{
			name: "non-concrete value",
			content: `
environment: id: string
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe, err := parser.ParseInline(ctx, tt.content)
			require.NoError(t, err)

			if tt.wantErr {
				if len(pe.Errors) == 0 {
					t.Fatal("Expected validation errors, got none")
				}
				if tt.errSubstr != "" && !strings.Contains(pe.Err().Error(), tt.errSubstr) {
					t.Errorf("Expected error containing %q, got: %v", tt.errSubstr, pe.Err())
				}
				assert.True(t, engine.IsConfiguration(pe.Err()))
				return
			}

			if len(pe.Errors) > 0 {
				t.Fatalf("Expected no errors, got: %v", pe.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pe)
			}
		})
	}
}

func TestCUEParser_SyntaxErrorLocation(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "broken.cue")
	require.NoError(t, os.WriteFile(file, []byte("environment: {\n\tid: \"x\"\n\tbad syntax\n}\n"), 0o644))

	pe, err := NewCUEParser().Parse(context.Background(), []string{file})
	require.NoError(t, err)
	require.NotEmpty(t, pe.Errors)

	assert.Equal(t, file, pe.Errors[0].File)
	assert.Greater(t, pe.Errors[0].Line, 0)
}

func TestCUEParser_ParseFilesUnify(t *testing.T) {
	tmpDir := t.TempDir()
	env := filepath.Join(tmpDir, "a_env.cue")
	res := filepath.Join(tmpDir, "b_resources.cue")
	require.NoError(t, os.WriteFile(env, []byte(`environment: id: "split"`), 0o644))
	require.NoError(t, os.WriteFile(res, []byte(`resources: org: type: "organization"`), 0o644))

	parser := NewCUEParser()
	ctx := context.Background()

	pe, err := parser.Parse(ctx, []string{env, res})
	require.NoError(t, err)
	require.Empty(t, pe.Errors)
	assert.Equal(t, "split", pe.Environment.ID)
	require.Len(t, pe.Resources, 1)

	fromDir, err := parser.Parse(ctx, []string{tmpDir})
	require.NoError(t, err)
	require.Empty(t, fromDir.Errors)
	assert.Equal(t, []string{env, res}, fromDir.SourceFiles)
	assert.Equal(t, "org", fromDir.Resources[0].ID)
}

func TestCUEParser_ParseErrors(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	if _, err := parser.Parse(ctx, nil); err == nil {
		t.Error("Expected error for no sources, got nil")
	}
	if _, err := parser.Parse(ctx, []string{filepath.Join(t.TempDir(), "missing.cue")}); err == nil {
		t.Error("Expected error for missing source, got nil")
	}

	pe, err := parser.Parse(ctx, []string{t.TempDir()})
	require.NoError(t, err)
	require.Len(t, pe.Errors, 1)
	assert.Equal(t, "no CUE files found", pe.Errors[0].Message)
}

func TestCUEParser_Load(t *testing.T) {
	file := filepath.Join(t.TempDir(), "shop.cue")
	require.NoError(t, os.WriteFile(file, []byte(shopDefinition), 0o644))

	graph, name, err := NewCUEParser().Load(context.Background(), []string{file})
	require.NoError(t, err)

	assert.Equal(t, "shop (dev)", name)
	assert.Equal(t, "shop-dev", graph.EnvironmentID)
	assert.Equal(t, "true", graph.Labels["protected"])
	require.Len(t, graph.Resources, 4)
	for _, res := range graph.Resources {
		assert.Equal(t, "shop-dev", res.EnvironmentID)
	}
	app, ok := graph.Lookup("app")
	require.True(t, ok)
	assert.Equal(t, engine.ResourceTypeApplication, app.Type)
}

func TestCUEParser_LoadDanglingDependency(t *testing.T) {
	file := filepath.Join(t.TempDir(), "dangling.cue")
	content := `
environment: id: "env-1"
resources: app: {type: "application", depends_on: ["ghost"]}
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	_, _, err := NewCUEParser().Load(context.Background(), []string{file})
	if err == nil {
		t.Fatal("Expected error for dangling dependency, got nil")
	}
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	assert.Equal(t, []string{SchemaEnvironment, SchemaResource}, sr.ListSchemas())

	require.NoError(t, sr.ValidateResource(ctx, ResourceConfig{ID: "app", Type: "application"}))
	assert.Error(t, sr.ValidateResource(ctx, ResourceConfig{ID: "bad id!", Type: "application"}))
	assert.Error(t, sr.ValidateResource(ctx, ResourceConfig{ID: "app", Type: "vm"}))
	assert.Error(t, sr.ValidateResource(ctx, ResourceConfig{ID: "app", Type: "application", DependsOn: []string{""}}))

	require.NoError(t, sr.ValidateEnvironment(ctx, EnvironmentConfig{ID: "env-1", Labels: map[string]string{"a": "b"}}))
	assert.Error(t, sr.ValidateEnvironment(ctx, EnvironmentConfig{}))

	assert.Error(t, sr.ValidateAgainstSchema(ctx, "Unknown", struct{}{}))
	assert.Error(t, sr.RegisterSchema("Missing", `#Other: {}`))
	assert.Error(t, sr.RegisterSchema("Broken", `#Broken: {`))

	require.NoError(t, sr.RegisterSchema("Label", `#Label: string & =~"^[a-z]+$"`))
	assert.NoError(t, sr.ValidateAgainstSchema(ctx, "Label", "prod"))
	assert.Error(t, sr.ValidateAgainstSchema(ctx, "Label", "Prod"))
}
