package process

import (
	"fmt"
	"sort"

	"github.com/openfroyo/activation/pkg/engine"
)

// NodeKind is the kind of a process graph node.
type NodeKind string

const (
	// NodeKindStart is the single entry node.
	NodeKindStart NodeKind = "start"

	// NodeKindFork splits the flow into the parallel tasks of one tier.
	NodeKindFork NodeKind = "fork"

	// NodeKindJoin waits for every task of one tier.
	NodeKindJoin NodeKind = "join"

	// NodeKindTask executes a named delegate.
	NodeKindTask NodeKind = "task"

	// NodeKindBoundary intercepts a failure signal raised on its task.
	NodeKindBoundary NodeKind = "boundary"

	// NodeKindEnd terminates the instance.
	NodeKindEnd NodeKind = "end"
)

// Validate checks if the node kind is valid.
func (k NodeKind) Validate() error {
	switch k {
	case NodeKindStart, NodeKindFork, NodeKindJoin, NodeKindTask, NodeKindBoundary, NodeKindEnd:
		return nil
	default:
		return fmt.Errorf("invalid node kind: %s", k)
	}
}

// Node is one element of a process graph.
type Node struct {
	// ID is unique within the definition.
	ID string `json:"id" yaml:"id"`

	// Kind is the node kind.
	Kind NodeKind `json:"kind" yaml:"kind"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Delegate names the behavior a task node executes.
	Delegate string `json:"delegate,omitempty" yaml:"delegate,omitempty"`

	// AttachedTo is the task a boundary node guards.
	AttachedTo string `json:"attached_to,omitempty" yaml:"attached_to,omitempty"`

	// SignalToken is the signal a boundary node catches.
	SignalToken string `json:"signal_token,omitempty" yaml:"signal_token,omitempty"`

	// Tier is the plan tier of a task, fork or join node; -1 otherwise.
	Tier int `json:"tier" yaml:"tier"`

	// Variables are the input variables of a task node.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Flow is a directed sequence flow between two nodes.
type Flow struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Definition is an engine-agnostic process graph.
type Definition struct {
	// Key identifies the definition; redeploying a key creates a new version.
	Key string `json:"key" yaml:"key"`

	// Name is a human-readable label.
	Name string `json:"name" yaml:"name"`

	// EnvironmentID is the environment the plan was generated for.
	EnvironmentID string `json:"environment_id" yaml:"environment_id"`

	// Step is the lifecycle step the plan applies.
	Step engine.LifecycleStep `json:"step" yaml:"step"`

	// Executable marks the definition as runnable. Always true when generated.
	Executable bool `json:"executable" yaml:"executable"`

	// Nodes are in generation order.
	Nodes []Node `json:"nodes" yaml:"nodes"`

	// Flows are in generation order.
	Flows []Flow `json:"flows" yaml:"flows"`
}

// Node returns the node with the given ID.
func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Start returns the start node.
func (d *Definition) Start() (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeKindStart {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Outgoing returns the target node IDs of flows leaving id, in flow order.
func (d *Definition) Outgoing(id string) []string {
	out := make([]string, 0)
	for _, f := range d.Flows {
		if f.Source == id {
			out = append(out, f.Target)
		}
	}
	return out
}

// Incoming returns the source node IDs of flows entering id, in flow order.
func (d *Definition) Incoming(id string) []string {
	in := make([]string, 0)
	for _, f := range d.Flows {
		if f.Target == id {
			in = append(in, f.Source)
		}
	}
	return in
}

// Boundary returns the boundary node attached to a task.
func (d *Definition) Boundary(taskID string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeKindBoundary && d.Nodes[i].AttachedTo == taskID {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Tasks returns the task nodes of the plan tiers, in tier order.
func (d *Definition) Tasks() []*Node {
	tasks := make([]*Node, 0)
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeKindTask && d.Nodes[i].Tier >= 0 {
			tasks = append(tasks, &d.Nodes[i])
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Tier < tasks[j].Tier })
	return tasks
}

// Validate checks node uniqueness, flow closure and boundary coverage: every
// node except the start is reachable, every task of a tier carries a
// boundary, every boundary leads somewhere and every path ends.
func (d *Definition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("definition key is required")
	}

	ids := make(map[string]*Node, len(d.Nodes))
	starts := 0
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has empty ID", i)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node ID: %s", n.ID)
		}
		if err := n.Kind.Validate(); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		ids[n.ID] = n
		if n.Kind == NodeKindStart {
			starts++
		}
	}
	if starts != 1 {
		return fmt.Errorf("expected exactly one start node, got %d", starts)
	}

	flowIDs := make(map[string]bool, len(d.Flows))
	for _, f := range d.Flows {
		if flowIDs[f.ID] {
			return fmt.Errorf("duplicate flow ID: %s", f.ID)
		}
		flowIDs[f.ID] = true
		if _, ok := ids[f.Source]; !ok {
			return fmt.Errorf("flow %s has unknown source %s", f.ID, f.Source)
		}
		if _, ok := ids[f.Target]; !ok {
			return fmt.Errorf("flow %s has unknown target %s", f.ID, f.Target)
		}
	}

	for _, n := range d.Nodes {
		switch n.Kind {
		case NodeKindStart:
			if len(d.Incoming(n.ID)) != 0 {
				return fmt.Errorf("start node %s has incoming flows", n.ID)
			}
		case NodeKindEnd:
			if len(d.Outgoing(n.ID)) != 0 {
				return fmt.Errorf("end node %s has outgoing flows", n.ID)
			}
		case NodeKindBoundary:
			task, ok := ids[n.AttachedTo]
			if !ok || task.Kind != NodeKindTask {
				return fmt.Errorf("boundary %s is not attached to a task", n.ID)
			}
			if len(d.Outgoing(n.ID)) != 1 {
				return fmt.Errorf("boundary %s must have exactly one outgoing flow", n.ID)
			}
		case NodeKindTask:
			if n.Delegate == "" {
				return fmt.Errorf("task %s has no delegate", n.ID)
			}
			if len(d.Outgoing(n.ID)) != 1 {
				return fmt.Errorf("task %s must have exactly one outgoing flow", n.ID)
			}
			if n.Tier >= 0 {
				if _, ok := d.Boundary(n.ID); !ok {
					return fmt.Errorf("task %s has no failure boundary", n.ID)
				}
			}
		default:
			if len(d.Outgoing(n.ID)) == 0 {
				return fmt.Errorf("node %s has no outgoing flow", n.ID)
			}
		}
	}

	// Everything must be reachable from the start; boundaries are entered
	// through their task.
	start, _ := d.Start()
	reached := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		next := d.Outgoing(id)
		if ids[id].Kind == NodeKindTask {
			if b, ok := d.Boundary(id); ok {
				next = append(next, b.ID)
			}
		}
		for _, target := range next {
			if !reached[target] {
				reached[target] = true
				queue = append(queue, target)
			}
		}
	}
	for _, n := range d.Nodes {
		if !reached[n.ID] {
			return fmt.Errorf("node %s is unreachable", n.ID)
		}
	}

	return nil
}
