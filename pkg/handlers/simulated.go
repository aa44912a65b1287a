package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
)

// SimulatedFailLabel makes a simulated handler fail the labelled resource.
// The value is either "true" or the name of the step to fail on.
const SimulatedFailLabel = "simulate.fail"

// SimulatedConfig tunes the demonstration handlers.
type SimulatedConfig struct {
	// Latency is how long one simulated task takes.
	Latency time.Duration `yaml:"latency" validate:"gte=0"`

	// Increments is the number of progress reports per task.
	Increments int `yaml:"increments" validate:"gte=0"`
}

// DefaultSimulatedConfig returns a short latency suited to demos.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{Latency: 2 * time.Second, Increments: 4}
}

// simulatedFamily is the capability set of one demonstration handler.
type simulatedFamily struct {
	name  string
	types []engine.ResourceType
	steps []engine.LifecycleStep
}

var simulatedFamilies = []simulatedFamily{
	{
		name:  "sim-organization",
		types: []engine.ResourceType{engine.ResourceTypeOrganization},
		steps: []engine.LifecycleStep{engine.StepActivate, engine.StepDelete},
	},
	{
		name:  "sim-space",
		types: []engine.ResourceType{engine.ResourceTypeSpace},
		steps: []engine.LifecycleStep{engine.StepActivate, engine.StepDelete},
	},
	{
		name:  "sim-application",
		types: []engine.ResourceType{engine.ResourceTypeApplication},
		steps: []engine.LifecycleStep{engine.StepActivate, engine.StepFirstStart, engine.StepStart, engine.StepStop, engine.StepDelete},
	},
	{
		name:  "sim-route",
		types: []engine.ResourceType{engine.ResourceTypeRoute},
		steps: []engine.LifecycleStep{engine.StepActivate, engine.StepDelete},
	},
	{
		name:  "sim-service",
		types: []engine.ResourceType{engine.ResourceTypeService},
		steps: []engine.LifecycleStep{engine.StepInit, engine.StepActivate, engine.StepDelete},
	},
	{
		// Subscriptions are one-shot and have nothing to tear down.
		name:  "sim-subscription",
		types: []engine.ResourceType{engine.ResourceTypeSubscription},
		steps: []engine.LifecycleStep{engine.StepActivate},
	},
}

// Simulated returns one demonstration handler per resource family. Exactly
// one handler accepts every (type, step) pair it covers.
func Simulated(cfg SimulatedConfig, logger zerolog.Logger) []engine.Handler {
	handlers := make([]engine.Handler, 0, len(simulatedFamilies))
	for _, family := range simulatedFamilies {
		reg := engine.Registration{Types: family.types, Steps: family.steps}
		handlers = append(handlers, NewAsync(family.name, reg, simulatedWork(cfg), logger))
	}
	return handlers
}

func simulatedWork(cfg SimulatedConfig) Work {
	return func(ctx context.Context, resource *engine.Resource, progress ProgressFunc) error {
		step, _ := engine.StepFromContext(ctx)

		increments := cfg.Increments
		if increments <= 0 {
			increments = 1
		}
		pause := cfg.Latency / time.Duration(increments)

		for i := 1; i <= increments; i++ {
			if err := sleepContext(ctx, pause); err != nil {
				return err
			}
			progress(i * 100 / increments)
		}

		if fail, ok := resource.Labels[SimulatedFailLabel]; ok && (fail == "true" || fail == step.String()) {
			return fmt.Errorf("simulated %s failure for %s", step, resource.Name)
		}
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
