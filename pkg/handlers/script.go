package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/activation/pkg/engine"
)

// DefaultScriptSteps bounds the Starlark steps one run may execute.
const DefaultScriptSteps = 1_000_000

const (
	localProgress = "activation.progress"
	localFailure  = "activation.failure"
)

// ScriptConfig describes a Starlark-scripted handler.
type ScriptConfig struct {
	Name     string                 `yaml:"name" validate:"required"`
	Types    []engine.ResourceType  `yaml:"types" validate:"required,min=1"`
	Steps    []engine.LifecycleStep `yaml:"steps" validate:"required,min=1"`
	Source   string                 `yaml:"source" validate:"required"`
	MaxSteps uint64                 `yaml:"max_steps"`
}

// Script is an asynchronous handler whose work is the run(resource)
// function of a Starlark program. The program may call fail(msg) to
// fail the task and progress(n) to report percent complete.
type Script struct {
	*Async

	run      starlark.Callable
	maxSteps uint64
}

// NewScript compiles the program and checks it defines run.
func NewScript(cfg ScriptConfig, logger zerolog.Logger) (*Script, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("script handler name is required")
	}

	thread := &starlark.Thread{
		Name:  cfg.Name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	globals, err := starlark.ExecFile(thread, cfg.Name+".star", cfg.Source, scriptPredeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", cfg.Name, err)
	}

	fn, ok := globals["run"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s does not define run(resource)", cfg.Name)
	}

	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultScriptSteps
	}

	s := &Script{run: fn, maxSteps: maxSteps}
	s.Async = NewAsync(cfg.Name, engine.Registration{Types: cfg.Types, Steps: cfg.Steps}, s.execute, logger)
	return s, nil
}

func (s *Script) execute(ctx context.Context, resource *engine.Resource, progress ProgressFunc) error {
	thread := &starlark.Thread{
		Name: s.Name() + ":" + resource.ID,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("resource_id", resource.ID).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(s.maxSteps)
	thread.SetLocal(localProgress, progress)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	step, _ := engine.StepFromContext(ctx)
	arg := resourceValue(resource, step)

	_, err := starlark.Call(thread, s.run, starlark.Tuple{arg}, nil)
	if msg, ok := thread.Local(localFailure).(string); ok {
		return errors.New(msg)
	}
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return fmt.Errorf("script %s: %s", s.Name(), evalErr.Msg)
		}
		return fmt.Errorf("script %s: %w", s.Name(), err)
	}
	return nil
}

func scriptPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"fail":     starlark.NewBuiltin("fail", builtinFail),
		"progress": starlark.NewBuiltin("progress", builtinProgress),
	}
}

// builtinFail records the failure message and aborts the run.
func builtinFail(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	if msg == "" {
		msg = "script failed"
	}
	thread.SetLocal(localFailure, msg)
	return nil, errors.New(msg)
}

// builtinProgress reports percent complete.
func builtinProgress(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var percent int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "percent", &percent); err != nil {
		return nil, err
	}
	if progress, ok := thread.Local(localProgress).(ProgressFunc); ok {
		progress(percent)
	}
	return starlark.None, nil
}

// resourceValue exposes a resource to scripts as a struct.
func resourceValue(resource *engine.Resource, step engine.LifecycleStep) starlark.Value {
	deps := make([]starlark.Value, len(resource.DependsOn))
	for i, dep := range resource.DependsOn {
		deps[i] = starlark.String(dep)
	}

	labels := starlark.NewDict(len(resource.Labels))
	for k, v := range resource.Labels {
		_ = labels.SetKey(starlark.String(k), starlark.String(v))
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":             starlark.String(resource.ID),
		"type":           starlark.String(string(resource.Type)),
		"name":           starlark.String(resource.Name),
		"environment_id": starlark.String(resource.EnvironmentID),
		"step":           starlark.String(step.String()),
		"depends_on":     starlark.NewList(deps),
		"labels":         labels,
	})
}
