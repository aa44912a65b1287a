package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// DAGBuilder builds tiered task graphs from environment resource graphs.
// BuildPlan keeps all working state local to the call, so one builder can
// serve concurrent plan generations for unrelated environments.
type DAGBuilder struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewDAGBuilder creates a new DAG builder resolving handlers from registry.
func NewDAGBuilder(registry *Registry, logger zerolog.Logger) *DAGBuilder {
	return &DAGBuilder{
		registry: registry,
		logger:   logger.With().Str("component", "dag-builder").Logger(),
	}
}

// planState is the scratch space of one BuildPlan call.
type planState struct {
	graph *ResourceGraph
	step  LifecycleStep

	// index maps resource IDs to their insertion position
	index map[string]int

	// deps maps resource IDs to their unique dependency IDs, in declaration order
	deps map[string][]string

	// nodes maps resource IDs to task nodes; resources without a handler are absent
	nodes map[string]*TaskNode

	// ancestors memoizes the nearest planned dependencies of each resource
	ancestors map[string][]string
}

// BuildPlan builds the task graph for applying step to every resource of graph.
//
// Resources whose handler resolves to nil are left out of the plan, but
// ordering through them is preserved. Construction steps run dependencies
// first; teardown steps run dependents first. No partial plan is ever
// returned: any handler or cycle error aborts the whole environment.
func (b *DAGBuilder) BuildPlan(graph *ResourceGraph, step LifecycleStep) (*TaskGraph, error) {
	if graph == nil {
		return nil, NewPermanentError("resource graph is nil", nil).
			WithCode(ErrCodeValidation)
	}
	if err := step.Validate(); err != nil {
		return nil, NewPermanentError("invalid step", err).WithCode(ErrCodeValidation)
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	st := &planState{
		graph:     graph,
		step:      step,
		index:     make(map[string]int, len(graph.Resources)),
		deps:      make(map[string][]string, len(graph.Resources)),
		nodes:     make(map[string]*TaskNode),
		ancestors: make(map[string][]string),
	}
	st.initialize()

	// Detect circular dependencies over the full resource graph so that a
	// cycle through resources skipping this step is still reported
	if err := st.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.resolveHandlers(st); err != nil {
		return nil, err
	}

	plan := &TaskGraph{
		EnvironmentID: graph.EnvironmentID,
		Labels:        graph.Labels,
		Step:          step,
		Nodes:         make([]*TaskNode, 0, len(st.nodes)),
	}
	for i := range graph.Resources {
		if node, ok := st.nodes[graph.Resources[i].ID]; ok {
			plan.Nodes = append(plan.Nodes, node)
		}
	}

	st.buildEdges(plan.Nodes)

	tiers, err := st.computeTiers(plan.Nodes)
	if err != nil {
		return nil, err
	}
	plan.Tiers = tiers

	b.logger.Debug().
		Str("environment_id", graph.EnvironmentID).
		Str("step", step.String()).
		Int("tasks", plan.Size()).
		Int("tiers", plan.Depth()).
		Msg("Plan built")

	return plan, nil
}

// initialize indexes resources and deduplicates their dependencies.
func (st *planState) initialize() {
	for i := range st.graph.Resources {
		res := &st.graph.Resources[i]
		st.index[res.ID] = i

		seen := make(map[string]bool, len(res.DependsOn))
		deps := make([]string, 0, len(res.DependsOn))
		for _, dep := range res.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
		st.deps[res.ID] = deps
	}
}

// detectCycles runs Kahn's algorithm over every resource; nodes whose
// indegree never reaches zero are part of, or downstream of, a cycle.
func (st *planState) detectCycles() error {
	inDegree := make(map[string]int, len(st.deps))
	dependents := make(map[string][]string, len(st.deps))
	for id, deps := range st.deps {
		inDegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0)
	for i := range st.graph.Resources {
		id := st.graph.Resources[i].ID
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(st.graph.Resources) {
		return nil
	}

	stuck := make([]string, 0, len(st.graph.Resources)-processed)
	for i := range st.graph.Resources {
		id := st.graph.Resources[i].ID
		if inDegree[id] > 0 {
			stuck = append(stuck, id)
		}
	}

	return NewConfigurationError(
		fmt.Sprintf("circular dependency detected: %s", formatCycle(st.findCycle(stuck))), nil,
	).WithCode(ErrCodeCyclicDependency).
		WithDetail("stuck", stuck)
}

// findCycle walks dependency edges from the first stuck node until a node
// repeats, returning that loop for the error message.
func (st *planState) findCycle(stuck []string) []string {
	if len(stuck) == 0 {
		return nil
	}
	inStuck := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		inStuck[id] = true
	}

	pos := make(map[string]int)
	path := make([]string, 0)
	current := stuck[0]
	for {
		if p, seen := pos[current]; seen {
			return append(path[p:], current)
		}
		pos[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range st.deps[current] {
			if inStuck[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return stuck
		}
		current = next
	}
}

// resolveHandlers creates a task node for every resource with a handler.
func (b *DAGBuilder) resolveHandlers(st *planState) error {
	for i := range st.graph.Resources {
		res := &st.graph.Resources[i]
		handler, err := b.registry.Resolve(res.Type, st.step)
		if err != nil {
			var engineErr *EngineError
			if errors.As(err, &engineErr) {
				return engineErr.WithResource(res.ID)
			}
			return fmt.Errorf("failed to resolve handler for %s: %w", res.Ref(), err)
		}
		if handler == nil {
			continue
		}
		st.nodes[res.ID] = &TaskNode{
			Resource: res,
			Step:     st.step,
			Handler:  handler,
		}
	}
	return nil
}

// plannedAncestors returns the nearest dependencies of id that are in the
// plan, looking through resources that were left out.
func (st *planState) plannedAncestors(id string) []string {
	if cached, ok := st.ancestors[id]; ok {
		return cached
	}

	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, dep := range st.deps[id] {
		var candidates []string
		if _, planned := st.nodes[dep]; planned {
			candidates = []string{dep}
		} else {
			candidates = st.plannedAncestors(dep)
		}
		for _, c := range candidates {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}

	st.ancestors[id] = out
	return out
}

// buildEdges links task nodes in the direction of the step.
func (st *planState) buildEdges(nodes []*TaskNode) {
	for _, node := range nodes {
		for _, depID := range st.plannedAncestors(node.Resource.ID) {
			dep := st.nodes[depID]
			if st.step.IsTeardown() {
				// Dependents are torn down before what they depend on
				node.Successors = append(node.Successors, dep)
				dep.Predecessors = append(dep.Predecessors, node)
			} else {
				node.Predecessors = append(node.Predecessors, dep)
				dep.Successors = append(dep.Successors, node)
			}
		}
	}

	for _, node := range nodes {
		st.sortByIndex(node.Predecessors)
		st.sortByIndex(node.Successors)
	}
}

// computeTiers layers the task nodes with Kahn's algorithm. Ties inside a
// tier keep resource insertion order.
func (st *planState) computeTiers(nodes []*TaskNode) ([][]*TaskNode, error) {
	inDegree := make(map[*TaskNode]int, len(nodes))
	current := make([]*TaskNode, 0)
	for _, node := range nodes {
		inDegree[node] = len(node.Predecessors)
		if inDegree[node] == 0 {
			current = append(current, node)
		}
	}

	tiers := make([][]*TaskNode, 0)
	processed := 0
	for len(current) > 0 {
		tier := len(tiers)
		for _, node := range current {
			node.Tier = tier
			node.Parallel = len(current) > 1
		}
		tiers = append(tiers, current)
		processed += len(current)

		next := make([]*TaskNode, 0)
		for _, node := range current {
			for _, succ := range node.Successors {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		st.sortByIndex(next)
		current = next
	}

	// Cycles were rejected on the resource graph already
	if processed != len(nodes) {
		stuck := make([]string, 0)
		for _, node := range nodes {
			if inDegree[node] > 0 {
				stuck = append(stuck, node.Resource.ID)
			}
		}
		return nil, NewConfigurationError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(stuck, ", ")), nil,
		).WithCode(ErrCodeCyclicDependency).
			WithDetail("stuck", stuck)
	}

	return tiers, nil
}

func (st *planState) sortByIndex(nodes []*TaskNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return st.index[nodes[i].Resource.ID] < st.index[nodes[j].Resource.ID]
	})
}

// ValidatePlan checks that every task's predecessors sit in a strictly
// earlier tier and that tiers cover every node exactly once.
func ValidatePlan(plan *TaskGraph) error {
	seen := make(map[*TaskNode]bool, len(plan.Nodes))
	for tier, nodes := range plan.Tiers {
		for _, node := range nodes {
			if seen[node] {
				return NewPermanentError(fmt.Sprintf("task %s appears in more than one tier", node.ID()), nil).
					WithCode(ErrCodeInternal)
			}
			seen[node] = true
			if node.Tier != tier {
				return NewPermanentError(fmt.Sprintf("task %s tier mismatch", node.ID()), nil).
					WithCode(ErrCodeInternal)
			}
			for _, pred := range node.Predecessors {
				if pred.Tier >= tier {
					return NewPermanentError(
						fmt.Sprintf("task %s runs before its predecessor %s", node.ID(), pred.ID()), nil,
					).WithCode(ErrCodeInternal)
				}
			}
		}
	}
	if len(seen) != len(plan.Nodes) {
		return NewPermanentError("plan node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// ToDOT generates a DOT format representation of the plan for visualization.
// The output can be rendered with Graphviz tools.
func (g *TaskGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ActivationPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	// Group nodes by tier for better visualization
	for tier, nodes := range g.Tiers {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_tier_%d {\n", tier))
		sb.WriteString(fmt.Sprintf("    label=\"Tier %d\";\n", tier))
		sb.WriteString("    style=dashed;\n")

		for _, node := range nodes {
			label := fmt.Sprintf("%s\\n%s", node.Resource.Ref(), node.Handler.Name())
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				node.Resource.ID, label, getStepColor(g.Step)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, node := range g.Nodes {
		for _, succ := range node.Successors {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", node.Resource.ID, succ.Resource.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getStepColor returns a color for visualizing lifecycle steps.
func getStepColor(step LifecycleStep) string {
	switch step {
	case StepInit, StepActivate:
		return "lightgreen"
	case StepFirstStart, StepStart:
		return "lightblue"
	case StepStop:
		return "lightyellow"
	case StepDelete:
		return "lightcoral"
	default:
		return "white"
	}
}
