package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/config"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/tui"
)

var (
	genProjectFile string
	genProjectID   string
	genUser        string
	genOut         string
	genTUI         bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation for a project file",
	Long: `Run one generation locally and record it in the run store.

The project file is YAML as written by 'appforge wizard'. Progress is printed
as it happens, or shown in a dashboard with --tui. Ctrl+C cancels the run;
files merged before the cancellation are kept.

Exits non-zero unless the run completed.`,
	Example: `  appforge generate --project shop.yaml --out ./shop
  appforge generate --project api.yaml --tui`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genProjectFile, "project", "p", "", "Project file (YAML)")
	generateCmd.Flags().StringVar(&genProjectID, "project-id", "", "Project identifier (default: derived from the project name)")
	generateCmd.Flags().StringVar(&genUser, "user", os.Getenv("USER"), "User the run is attributed to")
	generateCmd.Flags().StringVarP(&genOut, "out", "o", "", "Write generated files to this directory")
	generateCmd.Flags().BoolVar(&genTUI, "tui", false, "Show the interactive dashboard")
	_ = generateCmd.MarkFlagRequired("project")
}

// runError reports a run that finished without completing.
type runError struct {
	status orchestrator.RunStatus
}

func (e *runError) Error() string { return "generation " + e.status.String() }

// exitCode maps command errors to process exit codes.
func exitCode(err error) int {
	var re *runError
	if errors.As(err, &re) {
		if re.status == orchestrator.RunCancelled {
			return 130
		}
		return 2
	}
	return 1
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9]+`)

// projectIDFor derives a stable identifier from the project name, falling
// back to the project file name.
func projectIDFor(cfg project.Config, path string) string {
	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return strings.Trim(nonIDChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	pcfg, err := project.LoadFile(genProjectFile)
	if err != nil {
		return err
	}
	projectID := genProjectID
	if projectID == "" {
		projectID = projectIDFor(pcfg, genProjectFile)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}()

	runID, err := a.svc.Start(ctx, orchestrator.StartRequest{
		ProjectID: projectID,
		UserID:    genUser,
		Config:    pcfg,
	})
	if err != nil {
		return err
	}
	logger.Info("generation started", "run_id", runID, "project_id", projectID)

	go func() {
		<-ctx.Done()
		_ = a.svc.Cancel(runID)
	}()

	out := cmd.OutOrStdout()
	if genTUI {
		if err := runDashboard(ctx, a.svc, runID); err != nil {
			return err
		}
	} else if err := streamEvents(a.svc, runID, out); err != nil {
		return err
	}

	snap, err := a.svc.Wait(context.Background(), runID)
	if err != nil {
		return err
	}
	if genOut != "" {
		files, err := a.svc.Files(runID)
		if err != nil {
			return err
		}
		if err := writeFiles(genOut, files); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d files to %s\n", len(files), genOut)
	}
	printSummary(out, snap)

	if snap.Status != orchestrator.RunCompleted {
		return &runError{status: snap.Status}
	}
	return nil
}

// streamEvents prints the run's events until its stream closes.
func streamEvents(svc *orchestrator.Service, runID string, w io.Writer) error {
	em, err := svc.Emitter(runID)
	if err != nil {
		return err
	}
	var seq uint64
	for {
		evs, done, err := em.Next(context.Background(), seq)
		if err != nil {
			return err
		}
		for _, e := range evs {
			printEvent(w, e)
			seq = e.Metadata().Seq
		}
		if done {
			return nil
		}
	}
}

// runDashboard shows the TUI until the user quits. Quitting before the run
// finishes cancels it.
func runDashboard(ctx context.Context, svc *orchestrator.Service, runID string) error {
	initial, err := svc.Status(runID)
	if err != nil {
		return err
	}
	em, err := svc.Emitter(runID)
	if err != nil {
		return err
	}
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	model := tui.New(tui.Options{
		Initial:           initial,
		Events:            followEvents(feedCtx, em),
		Cancel:            func() error { return svc.Cancel(runID) },
		Config:            appCfg,
		GlobalConfigPath:  globalPath,
		ProjectConfigPath: config.ProjectPath(),
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	if snap, err := svc.Status(runID); err == nil && !snap.Status.IsTerminal() {
		_ = svc.Cancel(runID)
	}
	return nil
}

// followEvents delivers a run's full event history, then its live events,
// on a channel that closes after the terminal event or when ctx is done.
func followEvents(ctx context.Context, em *events.Emitter) <-chan events.Event {
	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		var seq uint64
		for {
			evs, done, err := em.Next(ctx, seq)
			if err != nil {
				return
			}
			for _, e := range evs {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				seq = e.Metadata().Seq
			}
			if done {
				return
			}
		}
	}()
	return out
}

// writeFiles writes the aggregate under dir.
func writeFiles(dir string, files []aggregate.GeneratedFile) error {
	for _, f := range files {
		rel, err := aggregate.ValidatePath(f.Path)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return nil
}
