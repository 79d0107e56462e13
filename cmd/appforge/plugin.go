package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/appforge/internal/plugins"
)

var pluginType string

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage generation hook plugins",
}

var pluginNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Scaffold a plugin manifest in the plugins directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := scaffoldPlugin(appCfg.Plugins.Dir, args[0], plugins.Type(pluginType))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created %s\n", green("✓"), path)
		return nil
	},
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manifests, err := plugins.LoadDir(appCfg.Plugins.Dir)
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No plugins in %s\n", appCfg.Plugins.Dir)
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tVERSION\tTYPE\tENABLED\tHOOKS")
		for _, m := range manifests {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\n", m.ID, m.Name, m.Version, m.Type, m.Enabled, len(m.Hooks))
		}
		return tw.Flush()
	},
}

func init() {
	pluginNewCmd.Flags().StringVar(&pluginType, "type", string(plugins.TypeGenerator), "Plugin type (generator, template, ai-model, deployment, middleware)")

	pluginCmd.AddCommand(pluginNewCmd)
	pluginCmd.AddCommand(pluginListCmd)
}

// scaffoldPlugin writes a starter manifest to dir and returns its path.
// Existing manifests are never overwritten.
func scaffoldPlugin(dir, name string, t plugins.Type) (string, error) {
	data, err := plugins.Scaffold(name, t)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating plugins directory: %w", err)
	}
	path := filepath.Join(dir, plugins.Slug(name)+".yaml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("plugin manifest %s already exists", path)
		}
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
