package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultPluginsDir is where plugins are installed unless --plugins or
// LAZYFLOW_PLUGINS says otherwise.
const DefaultPluginsDir = ".lazyflow/plugins"

var (
	// Global flags
	verbose    bool
	jsonOutput bool
	pluginsDir string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lazyflow",
		Short: "lazyflow - lazy, validity-tracked dataflow models",
		Long: `lazyflow runs dataflow models: components with typed input and output
ports, wired output-to-input. Setting an input invalidates everything
downstream of it, and a run only recomputes what is stale and consumed.

Features:
  - Models in YAML or HCL
  - Component logic in Starlark or external programs
  - Pass journal in SQLite
  - Plugins that add component kinds`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPlugins := os.Getenv("LAZYFLOW_PLUGINS")
	if defaultPlugins == "" {
		defaultPlugins = DefaultPluginsDir
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&pluginsDir, "plugins", defaultPlugins, "plugin installation directory")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newPluginCommand())

	return rootCmd
}
