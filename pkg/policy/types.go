package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/activation/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the plan.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the plan.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations come from deny rules.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the activator.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the resource ID that violated the policy, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating a plan.
type Result struct {
	// Allowed indicates if the plan may be scheduled.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Messages returns the blocking violation messages.
func (r *Result) Messages() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return out
}

// Err returns a POLICY_DENIED configuration error when the plan is denied.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("plan denied by policy: %s", strings.Join(r.Messages(), "; ")), nil,
	).WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", r.Messages())
}

// Input is the document policies are evaluated against.
type Input struct {
	Environment EnvironmentInput `json:"environment"`
	Step        string           `json:"step"`
	Tiers       [][]string       `json:"tiers"`
	Resources   []ResourceInput  `json:"resources"`
}

// EnvironmentInput describes the environment being planned.
type EnvironmentInput struct {
	ID     string            `json:"id"`
	Labels map[string]string `json:"labels"`
}

// ResourceInput describes one planned task.
type ResourceInput struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	DependsOn []string          `json:"depends_on"`
	Handler   string            `json:"handler"`
	Tier      int               `json:"tier"`
}

// InputFromPlan builds the policy input for a plan.
func InputFromPlan(plan *engine.TaskGraph) *Input {
	labels := plan.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	input := &Input{
		Environment: EnvironmentInput{ID: plan.EnvironmentID, Labels: labels},
		Step:        plan.Step.String(),
		Tiers:       plan.TierIDs(),
		Resources:   make([]ResourceInput, 0, len(plan.Nodes)),
	}

	for _, n := range plan.Nodes {
		resLabels := n.Resource.Labels
		if resLabels == nil {
			resLabels = map[string]string{}
		}
		deps := n.Resource.DependsOn
		if deps == nil {
			deps = []string{}
		}
		handler := ""
		if n.Handler != nil {
			handler = n.Handler.Name()
		}
		input.Resources = append(input.Resources, ResourceInput{
			ID:        n.Resource.ID,
			Type:      string(n.Resource.Type),
			Name:      n.Resource.Name,
			Labels:    resLabels,
			DependsOn: deps,
			Handler:   handler,
			Tier:      n.Tier,
		})
	}

	return input
}
