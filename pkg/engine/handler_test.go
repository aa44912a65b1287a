package engine

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistration_Accept(t *testing.T) {
	reg := Registration{
		Types: []ResourceType{ResourceTypeApplication},
		Steps: []LifecycleStep{StepActivate, StepDelete},
	}

	assert.True(t, reg.Accept(ResourceTypeApplication, StepActivate))
	assert.True(t, reg.Accept(ResourceTypeApplication, StepDelete))
	assert.False(t, reg.Accept(ResourceTypeApplication, StepStop))
	assert.False(t, reg.Accept(ResourceTypeRoute, StepActivate))
}

func TestRegistry_Resolve_SingleHandler(t *testing.T) {
	app := newStub("app", []ResourceType{ResourceTypeApplication}, StepActivate)
	svc := newStub("svc", []ResourceType{ResourceTypeService}, StepActivate)
	registry := newTestRegistry(app, svc)

	for _, step := range AllSteps() {
		app.Steps = []LifecycleStep{step}
		h, err := registry.Resolve(ResourceTypeApplication, step)
		if err != nil {
			t.Fatalf("Expected no error for %s, got: %v", step, err)
		}
		if h != app {
			t.Errorf("Expected app handler for %s, got %v", step, h)
		}
	}
}

func TestRegistry_Resolve_AmbiguousForEveryStep(t *testing.T) {
	first := newStub("first", []ResourceType{ResourceTypeApplication}, AllSteps()...)
	second := newStub("second", []ResourceType{ResourceTypeApplication}, AllSteps()...)
	registry := newTestRegistry(first, second)

	for _, step := range AllSteps() {
		h, err := registry.Resolve(ResourceTypeApplication, step)
		require.Error(t, err, "step %s", step)
		assert.Nil(t, h)
		assert.True(t, errors.Is(err, ErrAmbiguousHandler), "step %s: %v", step, err)
		assert.Contains(t, err.Error(), "first")
		assert.Contains(t, err.Error(), "second")
	}
}

func TestRegistry_Resolve_NoHandlerForActivateFails(t *testing.T) {
	registry := newTestRegistry(newStub("svc", []ResourceType{ResourceTypeService}, StepActivate))

	h, err := registry.Resolve(ResourceTypeApplication, StepActivate)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, ErrNoEligibleHandler))
	assert.True(t, IsConfiguration(err))
}

func TestRegistry_Resolve_NoHandlerLogging(t *testing.T) {
	tests := []struct {
		step      LifecycleStep
		wantLines int
	}{
		{StepInit, 0},
		{StepFirstStart, 1},
		{StepStart, 1},
		{StepStop, 1},
		{StepDelete, 1},
	}

	for _, tt := range tests {
		t.Run(tt.step.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
			registry := NewRegistry(logger, newStub("svc", []ResourceType{ResourceTypeService}, tt.step))

			h, err := registry.Resolve(ResourceTypeApplication, tt.step)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if h != nil {
				t.Errorf("Expected nil handler, got %s", h.Name())
			}

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if buf.Len() == 0 {
				lines = nil
			}
			if len(lines) != tt.wantLines {
				t.Fatalf("Expected %d log lines, got %d: %q", tt.wantLines, len(lines), buf.String())
			}
			if tt.wantLines == 1 {
				assert.Contains(t, lines[0], `"level":"debug"`)
				assert.Contains(t, lines[0], `"resource_type":"application"`)
				assert.Contains(t, lines[0], `"step":"`+tt.step.String()+`"`)
			}
		})
	}
}

func TestRegistry_IgnoresNilHandlers(t *testing.T) {
	registry := newTestRegistry(nil, universal(), nil)
	assert.Len(t, registry.Handlers(), 1)
}
