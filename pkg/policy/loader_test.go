package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRego = `# Routes need a domain label
# severity: warning
package activation.policies.routes

import rego.v1

deny contains msg if {
	some r in input.resources
	r.type == "route"
	not r.labels.domain
	msg := sprintf("route %s has no domain label", [r.id])
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFromFile_Rego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "route-domains.rego")
	writeFile(t, path, sampleRego)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "route-domains", p.Name)
	assert.Equal(t, "Routes need a domain label", p.Description)
	assert.Equal(t, SeverityWarning, p.Severity)
	assert.Equal(t, path, p.Source)
	assert.True(t, p.Enabled)
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	writeFile(t, path, `{"name": "json-policy", "enabled": true, "builtin": true, "rego": "package a.b\n"}`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, policies, 1)

	assert.Equal(t, "json-policy", policies[0].Name)
	assert.Equal(t, SeverityError, policies[0].Severity)
	assert.False(t, policies[0].Builtin, "files can never declare built-in policies")
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), sampleRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), sampleRego)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "bad.json"), "{not json")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Len(t, policies, 2, "invalid and non-policy files are skipped")
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	_, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"})
	assert.Error(t, err)
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.rego")
	writeFile(t, path, sampleRego)

	loader := NewLoader(zerolog.Nop())
	_, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)

	writeFile(t, path, "# Changed\npackage x.y\n")
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, "Routes need a domain label", policies[0].Description)

	loader.ClearCache()
	policies, err = loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, "Changed", policies[0].Description)
}

func TestExtractSeverity(t *testing.T) {
	assert.Equal(t, SeverityError, extractSeverity("package a"))
	assert.Equal(t, SeverityCritical, extractSeverity("# severity: critical\npackage a"))
	assert.Equal(t, SeverityError, extractSeverity("# severity: loud\npackage a"))
}
