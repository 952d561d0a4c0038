package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrata/strata/pkg/engine"
	"github.com/openstrata/strata/pkg/graphdef"
)

func newConvergeCommand() *cobra.Command {
	var (
		file          string
		watch         bool
		noRollback    bool
		workers       int
		immutableKeys []string
	)

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge a stack toward a definition file",
		Long: `Converge a stack toward the desired state declared in a definition
file.

This command:
  - Loads and validates the YAML definition
  - Diffs it against the stack's current graph
  - Creates, updates, replaces, and deletes entities in dependency order
  - Waits for the traversal to complete
  - With --watch, keeps running and re-converges on every file change`,
		Example: `  # Converge once and wait
  strata converge -f stack.yaml

  # Re-converge whenever the file changes
  strata converge -f stack.yaml --watch

  # Converge without automatic rollback on failure
  strata converge -f stack.yaml --no-rollback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{workers: workers, immutableKeys: immutableKeys})
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			if err := convergeFile(ctx, rt, file, !noRollback); err != nil {
				if !watch {
					return err
				}
				log.Error().Err(err).Msg("Convergence failed, watching for changes")
			}

			if !watch {
				return nil
			}
			return watchAndConverge(ctx, rt, file, !noRollback)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "stack definition file")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and re-converge on file changes")
	cmd.Flags().BoolVar(&noRollback, "no-rollback", false, "disable automatic rollback on failure")
	cmd.Flags().IntVar(&workers, "workers", 0, "max concurrent entity actions (0 uses the default)")
	cmd.Flags().StringSliceVar(&immutableKeys, "immutable", nil, "property keys whose change forces entity replacement")
	cmd.MarkFlagRequired("file")

	return cmd
}

// convergeFile runs one full convergence of the definition file and
// waits for its traversal to settle.
func convergeFile(ctx context.Context, rt *runtime, file string, rollbackEnabled bool) error {
	stackName, graph, err := graphdef.NewLoader().LoadGraph(file)
	if err != nil {
		return err
	}

	stack, err := rt.ctrl.EnsureStack(ctx, stackName, rollbackEnabled)
	if err != nil {
		return err
	}

	log.Info().
		Str("stack", stackName).
		Int("entities", len(graph.Nodes)).
		Msg("Converging stack")

	traversalID, err := rt.ctrl.Converge(ctx, stack.ID, graph)
	if err != nil {
		return err
	}

	final, err := rt.awaitTraversal(ctx, stack.ID, traversalID)
	if err != nil {
		return err
	}
	if final.Status != engine.StatusComplete {
		return fmt.Errorf("stack %s %s: %s", stackName, final.Status, final.StatusReason)
	}

	log.Info().
		Str("stack", stackName).
		Str("traversal_id", traversalID).
		Msg("Stack converged")
	return nil
}

// watchAndConverge re-converges whenever the definition file is written.
// Editors replace files on save, so the parent directory is watched and
// events are debounced before reloading.
func watchAndConverge(ctx context.Context, rt *runtime, file string, rollbackEnabled bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(file)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(file)

	log.Info().Str("file", target).Msg("Watching definition file")

	var debounce *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-pending:
			log.Info().Str("file", target).Msg("Definition changed, re-converging")
			if err := convergeFile(ctx, rt, file, rollbackEnabled); err != nil {
				log.Error().Err(err).Msg("Convergence failed")
			}
		}
	}
}
