package process

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/activation/pkg/engine"
)

// Delegate names bound by the generated definitions.
const (
	DelegateActivation = "activation.task"
	DelegateFailure    = "activation.failure"
)

// Fixed node IDs of generated definitions.
const (
	StartNodeID     = "start"
	EndNodeID       = "end"
	FailureNodeID   = "failure"
	FailedEndNodeID = "end_failed"
)

// Generator lowers task graphs into process definitions.
type Generator struct {
	logger zerolog.Logger
}

// NewGenerator creates a new plan generator.
func NewGenerator(logger zerolog.Logger) *Generator {
	return &Generator{
		logger: logger.With().Str("component", "plan-generator").Logger(),
	}
}

// DefinitionKey returns the deployment key for an environment and step.
func DefinitionKey(environmentID string, step engine.LifecycleStep) string {
	return fmt.Sprintf("activation-%s-%s", escapeID(environmentID), strings.ToLower(step.String()))
}

// TaskID returns the engine task ID for the index-th task of a tier.
func TaskID(tier, index int, resourceID string) string {
	return fmt.Sprintf("task_%d_%d_%s", tier, index, escapeID(resourceID))
}

// Generate builds start -> fork_0 -> tier 0 tasks -> join_0 -> fork_1 ... -> end.
// Every task carries a boundary catching the failure signal and routing to
// the shared failure node. Node IDs derive from tier, index and resource ID,
// so equal task graphs yield structurally identical definitions.
func (g *Generator) Generate(plan *engine.TaskGraph) (*Definition, error) {
	if plan == nil {
		return nil, engine.NewPermanentError("task graph is nil", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := engine.ValidatePlan(plan); err != nil {
		return nil, err
	}

	def := &Definition{
		Key:           DefinitionKey(plan.EnvironmentID, plan.Step),
		Name:          fmt.Sprintf("%s %s", plan.Step, plan.EnvironmentID),
		EnvironmentID: plan.EnvironmentID,
		Step:          plan.Step,
		Executable:    true,
	}
	b := &builder{def: def}

	b.node(Node{ID: StartNodeID, Kind: NodeKindStart, Name: "start", Tier: -1})

	previous := StartNodeID
	for tier, nodes := range plan.Tiers {
		forkID := fmt.Sprintf("fork_%d", tier)
		joinID := fmt.Sprintf("join_%d", tier)

		b.node(Node{ID: forkID, Kind: NodeKindFork, Name: fmt.Sprintf("tier %d", tier), Tier: tier})
		b.flow(previous, forkID)

		for index, task := range nodes {
			taskID := TaskID(tier, index, task.Resource.ID)
			b.node(Node{
				ID:       taskID,
				Kind:     NodeKindTask,
				Name:     fmt.Sprintf("%s %s", plan.Step, task.Resource.Ref()),
				Delegate: DelegateActivation,
				Tier:     tier,
				Variables: map[string]interface{}{
					engine.VarEnvironmentID: plan.EnvironmentID,
					engine.VarResourceID:    task.Resource.ID,
					engine.VarResourceType:  string(task.Resource.Type),
					engine.VarStep:          plan.Step.String(),
					engine.VarTaskIndex:     index,
					engine.VarTaskCount:     len(nodes),
				},
			})
			b.flow(forkID, taskID)
			b.flow(taskID, joinID)

			boundaryID := "boundary_" + taskID
			b.node(Node{
				ID:          boundaryID,
				Kind:        NodeKindBoundary,
				Name:        "failure boundary",
				AttachedTo:  taskID,
				SignalToken: engine.SignalTokenFailed,
				Tier:        -1,
			})
			b.flow(boundaryID, FailureNodeID)
		}

		b.node(Node{ID: joinID, Kind: NodeKindJoin, Name: fmt.Sprintf("tier %d done", tier), Tier: tier})
		previous = joinID
	}

	b.node(Node{ID: EndNodeID, Kind: NodeKindEnd, Name: "end", Tier: -1})
	b.flow(previous, EndNodeID)

	if plan.Size() > 0 {
		b.node(Node{
			ID:       FailureNodeID,
			Kind:     NodeKindTask,
			Name:     "report failure",
			Delegate: DelegateFailure,
			Tier:     -1,
			Variables: map[string]interface{}{
				engine.VarEnvironmentID: plan.EnvironmentID,
				engine.VarStep:          plan.Step.String(),
			},
		})
		b.node(Node{ID: FailedEndNodeID, Kind: NodeKindEnd, Name: "failed", Tier: -1})
		b.flow(FailureNodeID, FailedEndNodeID)
	}

	if err := def.Validate(); err != nil {
		return nil, engine.NewPermanentError("generated definition is invalid", err).
			WithCode(engine.ErrCodeInternal)
	}

	g.logger.Debug().
		Str("key", def.Key).
		Int("nodes", len(def.Nodes)).
		Int("flows", len(def.Flows)).
		Msg("Process definition generated")

	return def, nil
}

type builder struct {
	def *Definition
}

func (b *builder) node(n Node) {
	b.def.Nodes = append(b.def.Nodes, n)
}

func (b *builder) flow(source, target string) {
	b.def.Flows = append(b.def.Flows, Flow{
		ID:     fmt.Sprintf("flow_%s_%s", source, target),
		Source: source,
		Target: target,
	})
}

// escapeID keeps letters, digits and '-'. '_' becomes "__" and any other
// rune becomes "_x<hex>_", so distinct IDs never share an escaped form.
func escapeID(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r == '_':
			sb.WriteString("__")
		default:
			fmt.Fprintf(&sb, "_x%x_", r)
		}
	}
	return sb.String()
}
