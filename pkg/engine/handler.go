package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Handler performs the actual provisioning work for a family of
// (resource type, lifecycle step) pairs.
type Handler interface {
	// Name identifies the handler in logs and diagnostics.
	Name() string

	// Accept reports whether the handler is eligible for the pair.
	Accept(resourceType ResourceType, step LifecycleStep) bool

	// Start begins the work and returns immediately with a STARTED status.
	// The work continues in its own execution context.
	Start(ctx context.Context, resource *Resource) TaskStatus

	// Poll returns the same or a refreshed status.
	Poll(ctx context.Context, status TaskStatus) TaskStatus
}

type stepContextKey struct{}

// ContextWithStep attaches the lifecycle step a handler is started for.
func ContextWithStep(ctx context.Context, step LifecycleStep) context.Context {
	return context.WithValue(ctx, stepContextKey{}, step)
}

// StepFromContext returns the step attached by ContextWithStep.
func StepFromContext(ctx context.Context) (LifecycleStep, bool) {
	step, ok := ctx.Value(stepContextKey{}).(LifecycleStep)
	return step, ok
}

// Registration is the capability tag a handler carries: the resource
// types and steps it accepts. Handlers embed it to get Accept for free.
type Registration struct {
	Types []ResourceType `json:"types" yaml:"types"`
	Steps []LifecycleStep `json:"steps" yaml:"steps"`
}

// Accept reports whether the pair is covered by the registration.
func (r Registration) Accept(resourceType ResourceType, step LifecycleStep) bool {
	typeOK := false
	for _, t := range r.Types {
		if t == resourceType {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	for _, s := range r.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// Registry holds the handler list and resolves exactly one handler per
// (resource type, step). It is built once and read-only afterwards, so
// Resolve is safe for concurrent callers.
type Registry struct {
	handlers []Handler
	logger   zerolog.Logger
}

// NewRegistry creates a registry over the given handlers.
func NewRegistry(logger zerolog.Logger, handlers ...Handler) *Registry {
	list := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			list = append(list, h)
		}
	}
	return &Registry{
		handlers: list,
		logger:   logger.With().Str("component", "handler-registry").Logger(),
	}
}

// Handlers returns a copy of the registered handler list.
func (r *Registry) Handlers() []Handler {
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Resolve returns the single eligible handler for the pair.
//
// Zero eligible handlers is an error for ACTIVATE, silent for INIT and a
// single debug line for every other step; in the last two cases the
// returned handler is nil. Two or more eligible handlers always fail.
func (r *Registry) Resolve(resourceType ResourceType, step LifecycleStep) (Handler, error) {
	var eligible []Handler
	for _, h := range r.handlers {
		if h.Accept(resourceType, step) {
			eligible = append(eligible, h)
		}
	}

	switch len(eligible) {
	case 1:
		return eligible[0], nil
	case 0:
		switch step {
		case StepActivate:
			return nil, NewConfigurationError(
				fmt.Sprintf("no eligible handler for %s", resourceType), nil,
			).WithCode(ErrCodeNoEligibleHandler).
				WithOperation(step.String()).
				WithDetail("resource_type", string(resourceType))
		case StepInit:
			return nil, nil
		default:
			r.logger.Debug().
				Str("resource_type", string(resourceType)).
				Str("step", step.String()).
				Msg("No handler for step, skipping")
			return nil, nil
		}
	default:
		names := make([]string, len(eligible))
		for i, h := range eligible {
			names[i] = h.Name()
		}
		return nil, NewConfigurationError(
			fmt.Sprintf("%d handlers accept %s: %s", len(eligible), resourceType, strings.Join(names, ", ")), nil,
		).WithCode(ErrCodeAmbiguousHandler).
			WithOperation(step.String()).
			WithDetail("resource_type", string(resourceType)).
			WithDetail("handlers", names)
	}
}
