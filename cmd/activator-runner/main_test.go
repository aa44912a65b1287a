package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/activation/pkg/handlers/protocol"
)

func TestLoadConfigNormalisesSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  activate: echo hi\n  Delete: echo bye\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", cfg.Shell)
	assert.Equal(t, map[string]string{"ACTIVATE": "echo hi", "DELETE": "echo bye"}, cfg.Steps)
}

func TestLoadConfigRejectsUnknownStep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  RESTART: echo\n"), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestResourceEnv(t *testing.T) {
	env := resourceEnv(&protocol.CommandMessage{
		ID:   "cmd-1",
		Step: "START",
		Resource: protocol.Resource{
			ID:     "app",
			Type:   "application",
			Labels: map[string]string{"cost-center": "42", "team": "web"},
		},
	})

	assert.Contains(t, env, "RESOURCE_ID=app")
	assert.Contains(t, env, "STEP=START")
	assert.Contains(t, env, "LABEL_COST_CENTER=42")
	assert.Contains(t, env, "LABEL_TEAM=web")
}

func TestScanProgress(t *testing.T) {
	var got []int
	scanProgress(strings.NewReader("starting\nPROGRESS 20 pushing\nPROGRESS x\nPROGRESS 90\n"), func(p int, _ string) {
		got = append(got, p)
	})
	assert.Equal(t, []int{20, 90}, got)
}
