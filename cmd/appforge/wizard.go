package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/tui"
)

var wizardOut string

var wizardCmd = &cobra.Command{
	Use:   "wizard",
	Short: "Describe a new project interactively",
	Long: `Describe a new project interactively and save it as a project file
for 'appforge generate'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := tui.RunWizard()
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		if err != nil {
			return err
		}
		if err := project.SaveFile(wizardOut, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Saved %s\n", green("✓"), wizardOut)
		fmt.Fprintf(cmd.OutOrStdout(), "Next: appforge generate --project %s --out ./%s\n", wizardOut, projectIDFor(cfg, wizardOut))
		return nil
	},
}

func init() {
	wizardCmd.Flags().StringVarP(&wizardOut, "out", "o", "project.yaml", "Where to write the project file")
}
