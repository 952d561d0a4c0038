package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openstrata/strata/pkg/engine"
	"github.com/openstrata/strata/pkg/graphdef"
	"github.com/openstrata/strata/pkg/handlers/sim"
)

func newGraphCommand() *cobra.Command {
	var (
		file   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Preview the convergence plan for a definition file",
		Long: `Compute the plan that converging a definition file would execute,
without dispatching anything. The plan is diffed against the stack's
current graph when the stack exists in the state database, or against
an empty graph otherwise.`,
		Example: `  # Show the plan summary
  strata graph -f stack.yaml

  # Render the plan as Graphviz DOT
  strata graph -f stack.yaml --format dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			stackName, target, err := graphdef.NewLoader().LoadGraph(file)
			if err != nil {
				return err
			}

			// Old graph comes from the state store when present.
			var old *engine.Graph
			stackID := "preview"
			if store, err := openStore(ctx); err == nil {
				if stack, err := store.GetStackByName(ctx, stackName); err == nil {
					old = stack.CurrentGraph
					stackID = stack.ID
				}
				defer store.Close()
			}

			registry := engine.NewRegistry()
			if err := sim.Register(registry, sim.New()); err != nil {
				return err
			}

			plan, err := engine.NewDiffer(registry).Diff(stackID, "preview-"+uuid.New().String()[:8], old, target)
			if err != nil {
				return err
			}

			switch format {
			case "dot":
				fmt.Print(plan.ToDOT())
			case "summary":
				printPlanSummary(stackName, plan)
			default:
				return fmt.Errorf("unknown format: %s (must be 'summary' or 'dot')", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "stack definition file")
	cmd.Flags().StringVar(&format, "format", "summary", "output format (summary, dot)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func printPlanSummary(stackName string, plan *engine.Plan) {
	s := plan.Summary()
	fmt.Printf("Stack %s: %d actions (%d create, %d update, %d delete, %d replacements)\n",
		stackName, s.Total, s.ToCreate, s.ToUpdate, s.ToDelete, s.Replacements)
	for _, n := range plan.Nodes {
		suffix := ""
		if n.Replaces != "" {
			suffix = fmt.Sprintf(" (replaces %s)", n.Replaces)
		}
		fmt.Printf("  %-6s %s [%s]%s\n", n.Action, n.Name, n.Type, suffix)
	}
	for _, w := range plan.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
