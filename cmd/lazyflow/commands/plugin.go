package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/components"
	"github.com/lazyflow/lazyflow/pkg/plugins"
)

func newPluginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Create, package, install and inspect plugins",
		Long: `A plugin is a directory with a plugin.yaml manifest. Component plugins
also carry a component.star script and become a component kind named
after the plugin once installed.`,
	}

	cmd.AddCommand(newPluginQuickstartCommand())
	cmd.AddCommand(newPluginMakedistCommand())
	cmd.AddCommand(newPluginInstallCommand())
	cmd.AddCommand(newPluginUninstallCommand())
	cmd.AddCommand(newPluginListCommand())
	cmd.AddCommand(newPluginDocsCommand())
	cmd.AddCommand(newPluginBuildDocsCommand())

	return cmd
}

func newPluginQuickstartCommand() *cobra.Command {
	var opts plugins.QuickstartOptions

	cmd := &cobra.Command{
		Use:   "quickstart NAME",
		Short: "Create the skeleton of a new plugin",
		Example: `  lazyflow plugin quickstart scale
  lazyflow plugin quickstart scale -c Scaler --version 1.1 -d ./src`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			dir, err := plugins.Quickstart(opts)
			if err != nil {
				return err
			}
			log.Info().Str("plugin", opts.Name).Str("dir", dir).Msg("Plugin created")
			fmt.Println(dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Class, "class", "c", "", "class name (default: capitalized NAME)")
	cmd.Flags().StringVarP(&opts.Group, "group", "g", plugins.GroupComponent, "plugin group (component, driver)")
	cmd.Flags().StringVar(&opts.Version, "version", "0.1", "plugin version")
	cmd.Flags().StringVarP(&opts.Dest, "dest", "d", ".", "parent directory of the plugin")
	cmd.Flags().StringVar(&opts.Author, "author", "", "author recorded in the manifest")
	cmd.Flags().StringVar(&opts.License, "license", "", "license recorded in the manifest")

	return cmd
}

func newPluginMakedistCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "makedist [DIR [DISTDIR]]",
		Short: "Package a plugin as <name>-<version>.tar.gz with a sha256 file",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dist := ".", ""
			if len(args) > 0 {
				src = args[0]
			}
			if len(args) > 1 {
				dist = args[1]
			}
			archive, err := plugins.MakeDist(log.Logger.WithContext(cmd.Context()), src, dist)
			if err != nil {
				return err
			}
			fmt.Println(archive)
			return nil
		},
	}
	return cmd
}

func newPluginInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install DIST",
		Short: "Verify and install a plugin distribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugins.Install(log.Logger.WithContext(cmd.Context()), args[0], pluginsDir)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s installed in %s\n", m.QualifiedClass(), m.Version, m.Dir)
			return nil
		},
	}
	return cmd
}

func newPluginUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall NAME",
		Short: "Remove an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := plugins.Uninstall(pluginsDir, args[0]); err != nil {
				return err
			}
			log.Info().Str("plugin", args[0]).Msg("Plugin removed")
			return nil
		},
	}
	return cmd
}

func newPluginListCommand() *cobra.Command {
	var opts plugins.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in component kinds and installed plugins",
		Example: `  lazyflow plugin list
  lazyflow plugin list -g driver -g component --external`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := plugins.List(pluginsDir, components.NewRegistry(), opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASS\tGROUP\tVERSION\tDESCRIPTION")
			for _, e := range entries {
				version := e.Version
				if e.Builtin {
					version = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Class, e.Group, version, e.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Groups, "group", "g", nil, "only this group (repeatable)")
	cmd.Flags().BoolVar(&opts.Builtin, "builtin", false, "list built-in kinds")
	cmd.Flags().BoolVar(&opts.External, "external", false, "list installed plugins")

	return cmd
}

func newPluginDocsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs NAME",
		Short: "Print the path of an installed plugin's documentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := plugins.Docs(pluginsDir, args[0])
			if err != nil {
				return err
			}
			fmt.Println(index)
			return nil
		},
	}
	return cmd
}

func newPluginBuildDocsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "build_docs [DIR]",
		Aliases: []string{"build-docs"},
		Short:   "Render a plugin's docs/*.md into docs/_build/index.html",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			index, err := plugins.BuildDocs(dir)
			if err != nil {
				return err
			}
			fmt.Println(index)
			return nil
		},
	}
	return cmd
}
