package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openstrata/strata/pkg/engine"
	"github.com/openstrata/strata/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var eventCount int

	cmd := &cobra.Command{
		Use:   "status <stack>",
		Short: "Show a stack's convergence state",
		Long: `Show a stack's current action and status, its entities, and the most
recent control events from the audit log.`,
		Example: `  # Show stack status
  strata status web

  # Show status with the last 50 events
  strata status web --events 50

  # Machine-readable output
  strata status web --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stackName := args[0]

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stack, err := store.GetStackByName(ctx, stackName)
			if err != nil {
				return err
			}
			entities, err := store.ListEntities(ctx, stack.ID)
			if err != nil {
				return err
			}
			var events []*stores.Event
			if eventCount > 0 {
				events, err = store.ListEvents(ctx, stack.ID, eventCount)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printStatusJSON(stack, entities, events)
			}
			printStatus(stack, entities, events)
			return nil
		},
	}

	cmd.Flags().IntVar(&eventCount, "events", 10, "number of recent events to show (0 hides them)")

	return cmd
}

func printStatus(stack *engine.Stack, entities []*engine.Entity, events []*stores.Event) {
	fmt.Printf("Stack:     %s (%s)\n", stack.Name, stack.ID)
	fmt.Printf("Action:    %s\n", stack.Action)
	fmt.Printf("Status:    %s\n", stack.Status)
	if stack.StatusReason != "" {
		fmt.Printf("Reason:    %s\n", stack.StatusReason)
	}
	if stack.CurrentTraversalID != "" {
		fmt.Printf("Traversal: %s\n", stack.CurrentTraversalID)
	}
	fmt.Printf("Rollback:  enabled=%v backup=%v\n", stack.RollbackEnabled, stack.Backup)

	if len(entities) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tACTION\tSTATUS\tPROVIDER REF")
		for _, e := range entities {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Type, e.Action, e.Status, e.ProviderRef)
		}
		w.Flush()
	}

	if len(events) > 0 {
		fmt.Println()
		fmt.Println("Recent events:")
		for _, ev := range events {
			fmt.Printf("  %s  %-24s %s\n", ev.CreatedAt.Format("15:04:05"), ev.Type, ev.Message)
		}
	}
}

func printStatusJSON(stack *engine.Stack, entities []*engine.Entity, events []*stores.Event) error {
	out := struct {
		Stack    *engine.Stack    `json:"stack"`
		Entities []*engine.Entity `json:"entities"`
		Events   []*stores.Event  `json:"events,omitempty"`
	}{stack, entities, events}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
