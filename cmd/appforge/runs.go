package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/appforge/internal/orchestrator"
	"github.com/aristath/appforge/internal/persistence"
)

var (
	runsProject   string
	runsShowFiles bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded generation runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsListCmd.Flags().StringVar(&runsProject, "project", "", "Only list runs of this project")
	runsShowCmd.Flags().BoolVar(&runsShowFiles, "files", false, "List generated files")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := persistence.NewSQLiteStore(cmd.Context(), appCfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := store.ListRuns(cmd.Context(), runsProject)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded runs. Run 'appforge generate' to start one.")
		return nil
	}
	return writeRunTable(cmd.OutOrStdout(), snaps)
}

func writeRunTable(w io.Writer, snaps []orchestrator.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPROJECT\tSTATUS\tPROGRESS\tTASKS\tFILES\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%d\t%s\n",
			s.RunID, s.ProjectID, s.Status, s.Progress, len(s.Tasks), len(s.Files),
			s.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := persistence.NewSQLiteStore(cmd.Context(), appCfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := writeRunDetail(out, snap); err != nil {
		return err
	}
	if !runsShowFiles {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tTASK\tSIZE")
	for _, f := range snap.Files {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", f.Path, f.TaskID, f.Size)
	}
	return tw.Flush()
}

func writeRunDetail(w io.Writer, snap orchestrator.Snapshot) error {
	fmt.Fprintf(w, "Run:      %s\n", snap.RunID)
	fmt.Fprintf(w, "Project:  %s (%s)\n", snap.ProjectID, snap.Config.Template)
	if snap.UserID != "" {
		fmt.Fprintf(w, "User:     %s\n", snap.UserID)
	}
	fmt.Fprintf(w, "Status:   %s %s\n", statusSymbol(snap.Status.String()), snap.Status)
	fmt.Fprintf(w, "Progress: %d%%\n", snap.Progress)
	if !snap.StartedAt.IsZero() && !snap.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Tokens:   %d\n", snap.Usage.Total())
	if snap.ErrorSummary != "" {
		fmt.Fprintf(w, "Error:    %s\n", red(snap.ErrorSummary))
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tPROGRESS\tRETRIES\tDEPENDS ON\tERROR")
	for _, t := range snap.Tasks {
		deps := strings.Join(t.DependsOn, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%d\t%s\t%s\n", t.ID, t.Status, t.Progress, t.RetryCount, deps, t.Error)
	}
	return tw.Flush()
}
