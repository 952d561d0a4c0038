package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrata/strata/pkg/engine"
)

func newRollbackCommand() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "rollback <stack>",
		Short: "Converge a stack back to its previous known-good graph",
		Long: `Converge a stack back toward the previous known-good graph retained
from before its last update. Rollback is an ordinary convergence: the
previous graph becomes the target and the engine diffs, plans, and
dispatches as usual.`,
		Example: `  # Roll back a stack after a failed update
  strata rollback web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stackName := args[0]

			rt, err := newRuntime(ctx, runtimeOptions{workers: workers})
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			stack, err := rt.store.GetStackByName(ctx, stackName)
			if err != nil {
				return err
			}

			log.Info().Str("stack", stackName).Msg("Rolling back stack")

			traversalID, err := rt.ctrl.Rollback(ctx, stack.ID)
			if err != nil {
				return err
			}

			final, err := rt.awaitTraversal(ctx, stack.ID, traversalID)
			if err != nil {
				return err
			}
			if final.Status != engine.StatusComplete {
				return fmt.Errorf("rollback of %s %s: %s", stackName, final.Status, final.StatusReason)
			}

			log.Info().Str("stack", stackName).Msg("Rollback complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent entity actions (0 uses the default)")

	return cmd
}
