package engine

import (
	"fmt"
)

// ResourceType is the closed set of resource kinds an environment is built from.
type ResourceType string

const (
	// ResourceTypeOrganization is the top-level tenant container.
	ResourceTypeOrganization ResourceType = "organization"

	// ResourceTypeSpace groups applications and services inside an organization.
	ResourceTypeSpace ResourceType = "space"

	// ResourceTypeApplication is a deployable application instance.
	ResourceTypeApplication ResourceType = "application"

	// ResourceTypeRoute maps a hostname to an application.
	ResourceTypeRoute ResourceType = "route"

	// ResourceTypeService is a managed service instance or binding.
	ResourceTypeService ResourceType = "service"

	// ResourceTypeSubscription is a one-shot marketplace subscription.
	ResourceTypeSubscription ResourceType = "subscription"
)

// ResourceTypes returns every known resource type.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceTypeOrganization,
		ResourceTypeSpace,
		ResourceTypeApplication,
		ResourceTypeRoute,
		ResourceTypeService,
		ResourceTypeSubscription,
	}
}

// Validate checks if the resource type is one of the known tags.
func (t ResourceType) Validate() error {
	for _, known := range ResourceTypes() {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("invalid resource type: %q", string(t))
}

// Resource is one deployable unit of an environment.
type Resource struct {
	// ID is the stable identifier for this resource.
	ID string `json:"id"`

	// Type is the resource type tag.
	Type ResourceType `json:"type"`

	// Name is the human-readable name of the resource.
	Name string `json:"name"`

	// EnvironmentID is the environment this resource belongs to.
	EnvironmentID string `json:"environment_id"`

	// DependsOn lists resource IDs that must be ready before this one.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`
}

// Ref returns the "<Type>#<id>" form used in diagnostics.
func (r *Resource) Ref() string {
	return fmt.Sprintf("%s#%s", r.Type, r.ID)
}

// ResourceGraph is a read-only snapshot of the resources of one environment.
// The order of Resources is the insertion order and is used as tie-break.
type ResourceGraph struct {
	// EnvironmentID is the environment the snapshot was taken from.
	EnvironmentID string `json:"environment_id"`

	// Labels are environment-level labels.
	Labels map[string]string `json:"labels,omitempty"`

	// Resources are the resource nodes in insertion order.
	Resources []Resource `json:"resources"`
}

// Lookup returns the resource with the given ID.
func (g *ResourceGraph) Lookup(id string) (*Resource, bool) {
	for i := range g.Resources {
		if g.Resources[i].ID == id {
			return &g.Resources[i], true
		}
	}
	return nil, false
}

// Validate checks IDs, types and that every dependency belongs to the snapshot.
func (g *ResourceGraph) Validate() error {
	seen := make(map[string]bool, len(g.Resources))
	for i := range g.Resources {
		res := &g.Resources[i]
		if res.ID == "" {
			return NewPermanentError("resource has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if seen[res.ID] {
			return NewPermanentError(fmt.Sprintf("duplicate resource ID: %s", res.ID), nil).
				WithCode(ErrCodeValidation).WithResource(res.ID)
		}
		seen[res.ID] = true
		if err := res.Type.Validate(); err != nil {
			return NewPermanentError("invalid resource", err).
				WithCode(ErrCodeValidation).WithResource(res.ID)
		}
		if res.EnvironmentID != "" && g.EnvironmentID != "" && res.EnvironmentID != g.EnvironmentID {
			return NewPermanentError(
				fmt.Sprintf("resource belongs to environment %s, not %s", res.EnvironmentID, g.EnvironmentID),
				nil,
			).WithCode(ErrCodeValidation).WithResource(res.ID)
		}
	}

	for i := range g.Resources {
		res := &g.Resources[i]
		for _, dep := range res.DependsOn {
			if !seen[dep] {
				return NewPermanentError(
					fmt.Sprintf("resource %s depends on %s outside the environment snapshot", res.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(res.ID)
			}
			if dep == res.ID {
				return NewConfigurationError(fmt.Sprintf("cyclic dependency: resource %s depends on itself", res.ID), nil).
					WithCode(ErrCodeCyclicDependency).WithResource(res.ID)
			}
		}
	}

	return nil
}

// TaskNode pairs a resource with a lifecycle step and its resolved handler.
// Task nodes are built fresh per plan and never persisted.
type TaskNode struct {
	// Resource is the resource this task operates on.
	Resource *Resource

	// Step is the lifecycle step to apply.
	Step LifecycleStep

	// Handler is the single eligible handler for (Resource.Type, Step).
	Handler Handler

	// Predecessors must reach a terminal status before this task starts.
	Predecessors []*TaskNode

	// Successors wait for this task.
	Successors []*TaskNode

	// Tier is the execution tier index.
	Tier int

	// Parallel is true when the task shares its tier with siblings.
	Parallel bool
}

// ID returns the resource ID of the node.
func (n *TaskNode) ID() string {
	return n.Resource.ID
}

// TaskGraph is the tiered execution plan for one environment and step.
type TaskGraph struct {
	// EnvironmentID is the environment the plan was built for.
	EnvironmentID string

	// Labels are the environment labels, carried for policy evaluation.
	Labels map[string]string

	// Step is the lifecycle step the plan applies.
	Step LifecycleStep

	// Nodes are the task nodes in resource insertion order.
	Nodes []*TaskNode

	// Tiers hold task nodes that may run concurrently, in execution order.
	Tiers [][]*TaskNode
}

// Size returns the number of tasks in the plan.
func (g *TaskGraph) Size() int {
	return len(g.Nodes)
}

// Depth returns the number of tiers.
func (g *TaskGraph) Depth() int {
	return len(g.Tiers)
}

// First returns the canonical first node of a tier, used for diagnostics.
func (g *TaskGraph) First(tier int) *TaskNode {
	if tier < 0 || tier >= len(g.Tiers) || len(g.Tiers[tier]) == 0 {
		return nil
	}
	return g.Tiers[tier][0]
}

// Node returns the task node for a resource ID.
func (g *TaskGraph) Node(resourceID string) (*TaskNode, bool) {
	for _, n := range g.Nodes {
		if n.Resource.ID == resourceID {
			return n, true
		}
	}
	return nil, false
}

// TierIDs returns the resource IDs of every tier, in order.
func (g *TaskGraph) TierIDs() [][]string {
	out := make([][]string, len(g.Tiers))
	for i, tier := range g.Tiers {
		ids := make([]string, len(tier))
		for j, n := range tier {
			ids[j] = n.Resource.ID
		}
		out[i] = ids
	}
	return out
}
