package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
)

// Engine evaluates Rego policies against activation plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(logger)

	for _, p := range BuiltinPolicies() {
		cp, err := compile(context.Background(), p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.policies)).
		Msg("Built-in policies loaded")

	return e, nil
}

// Load compiles the given policies and replaces every non-built-in policy
// with them. Nothing changes if any policy fails to compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.Name == "" {
			return fmt.Errorf("policy from %s has no name", p.Source)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if _, clash := compiled[name]; clash && cp.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded")

	return nil
}

// LoadPaths loads .rego and .json policies from files or directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.Load(ctx, policies)
}

// Watch reloads the policies under paths whenever they change, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Load(ctx, policies)
	})
}

// Evaluate evaluates every enabled policy against the plan.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.TaskGraph) (*Result, error) {
	return e.EvaluateInput(ctx, InputFromPlan(plan))
}

// EvaluateInput evaluates every enabled policy against input.
func (e *Engine) EvaluateInput(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(active)),
	}

	for _, cp := range active {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("environment_id", input.Environment.ID).
		Str("step", input.Step).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// Get returns a policy by name.
func (e *Engine) Get(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// Policies returns all loaded policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// Enable enables a policy by name.
func (e *Engine) Enable(name string) error {
	return e.setEnabled(name, true)
}

// Disable disables a policy by name.
func (e *Engine) Disable(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// compile prepares the deny query of a policy.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	pkg := extractPackageName(p.Rego)
	if pkg == "" {
		return nil, fmt.Errorf("policy %s has no package declaration", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// evaluate runs one compiled policy.
func evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}

// createViolation converts one deny value into a Violation. Deny values
// are either a message string or an object with message, severity and
// resource keys.
func createViolation(p Policy, value interface{}) Violation {
	violation := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch v := value.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", value)
	}

	return violation
}
