package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/activation/pkg/activation"
	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/process"
)

func newPlanCommand() *cobra.Command {
	var (
		files   []string
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan STEP [environment]",
		Short: "Show the execution plan of a lifecycle step",
		Long: `Build the plan of a lifecycle step for a stored environment without running it.

The plan:
  - Resolves one handler per resource, skipping resources without one
  - Orders tasks into tiers; tasks of one tier run in parallel
  - Is checked against the enabled admission policies
  - Is lowered into a process definition (written with --out)`,
		Example: `  # Plan activation of a stored environment
  activator plan ACTIVATE env-dev

  # Import the files first, then plan their teardown
  activator plan DELETE --file ./environments/dev

  # Write the process definition and a DOT graph
  activator plan START env-dev --out start.yaml --dot start.dot`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			step, err := engine.ParseStep(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			environmentID, err := a.environmentID(ctx, args[1:], files)
			if err != nil {
				return err
			}

			log.Info().
				Str("environment_id", environmentID).
				Str("step", step.String()).
				Msg("Generating plan")

			plan, err := a.orch.Plan(ctx, environmentID, step)
			if err != nil {
				return err
			}

			if outFile != "" {
				if err := writeDefinition(outFile, plan.Definition); err != nil {
					return err
				}
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(plan.Graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT graph: %w", err)
				}
			}

			if jsonOutput {
				return printJSON(planSummary(plan))
			}
			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "CUE files to import before planning")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the process definition as YAML")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the task graph as DOT")

	return cmd
}

type planTask struct {
	TaskID   string `json:"task_id"`
	Resource string `json:"resource"`
	Handler  string `json:"handler"`
}

type planView struct {
	EnvironmentID string       `json:"environment_id"`
	Step          string       `json:"step"`
	Tiers         [][]planTask `json:"tiers"`
	Warnings      []string     `json:"warnings,omitempty"`
}

func planSummary(plan *activation.Plan) planView {
	view := planView{
		EnvironmentID: plan.Graph.EnvironmentID,
		Step:          plan.Graph.Step.String(),
		Tiers:         make([][]planTask, len(plan.Graph.Tiers)),
	}
	for tier, nodes := range plan.Graph.Tiers {
		for index, node := range nodes {
			view.Tiers[tier] = append(view.Tiers[tier], planTask{
				TaskID:   process.TaskID(tier, index, node.Resource.ID),
				Resource: node.Resource.Ref(),
				Handler:  node.Handler.Name(),
			})
		}
	}
	if plan.Admission != nil {
		for _, v := range plan.Admission.Warnings {
			view.Warnings = append(view.Warnings, v.Message)
		}
	}
	return view
}

func printPlan(plan *activation.Plan) {
	view := planSummary(plan)
	fmt.Printf("Plan %s for %s: %d tasks in %d tiers\n\n",
		view.Step, view.EnvironmentID, plan.Graph.Size(), plan.Graph.Depth())
	if plan.Graph.Size() == 0 {
		fmt.Println("  nothing to do")
	}
	for tier, tasks := range view.Tiers {
		refs := make([]string, len(tasks))
		for i, t := range tasks {
			refs[i] = fmt.Sprintf("%s (%s)", t.Resource, t.Handler)
		}
		fmt.Printf("  tier %d: %s\n", tier, strings.Join(refs, ", "))
	}
	for _, w := range view.Warnings {
		fmt.Printf("\n⚠ %s\n", w)
	}
}

func writeDefinition(path string, def *process.Definition) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode process definition: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write process definition: %w", err)
	}
	return nil
}
