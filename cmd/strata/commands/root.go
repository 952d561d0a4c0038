package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	storeKind   string
	dbPath      string
	logLevel    string
	logFormat   string
	metricsAddr string
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata - Graph Convergence Engine",
		Long: `Strata converges infrastructure stacks toward declared desired-state
graphs. Each convergence diffs the declared graph against the stack's
current graph, plans creates, in-place updates, replacements, and
deletes, and dispatches them concurrently in dependency order.

Features:
  - Declarative YAML stack definitions
  - Incremental diff-based convergence
  - Replacement handling with create-before-delete
  - Concurrent dependency-ordered dispatch
  - Optimistic concurrency; a newer convergence supersedes a running one
  - Automatic rollback to the previous known-good graph`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "sqlite", "state store backend (sqlite, memory)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "strata.db", "state database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (empty disables)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newConvergeCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
