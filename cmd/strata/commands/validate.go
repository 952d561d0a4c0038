package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openstrata/strata/pkg/graphdef"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate stack definition files",
		Long: `Validate stack definition files without touching any state.

This command checks:
  - YAML syntax validity
  - Schema conformance (version, names, types)
  - Dependency references and cycle freedom`,
		Example: `  # Validate a single definition
  strata validate stack.yaml

  # Validate several definitions
  strata validate base.yaml web.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := graphdef.NewLoader()
			for _, path := range args {
				stackName, graph, err := loader.LoadGraph(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: stack %q valid, %d entities\n", path, stackName, len(graph.Nodes))
			}
			return nil
		},
	}

	return cmd
}
