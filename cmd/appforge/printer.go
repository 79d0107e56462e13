package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// statusSymbol returns a coloured symbol for a task or run status.
func statusSymbol(status string) string {
	switch status {
	case "running":
		return yellow("●")
	case "completed":
		return green("✓")
	case "failed":
		return red("✗")
	case "skipped", "cancelled":
		return faint("⊘")
	default:
		return faint("○")
	}
}

func severityLabel(severity string) string {
	label := "[" + severity + "]"
	switch severity {
	case "error":
		return red(label)
	case "warn":
		return yellow(label)
	case "debug":
		return faint(label)
	default:
		return cyan(label)
	}
}

// printEvent writes one human-readable line for e. Per-task progress is
// left to the run-level progress lines.
func printEvent(w io.Writer, e events.Event) {
	switch e := e.(type) {
	case events.RunStarted:
		fmt.Fprintf(w, "%s run %s started with %d tasks\n", cyan("▶"), e.RunID, e.Tasks)
	case events.RunProgress:
		fmt.Fprintf(w, "  %s %d%%\n", faint("progress"), e.OverallPercent)
	case events.TaskStatusChanged:
		line := fmt.Sprintf("%s %-12s %s", statusSymbol(e.Status), e.Kind, e.Status)
		if e.Error != "" {
			line += ": " + red(e.Error)
		}
		fmt.Fprintln(w, line)
	case events.FileGenerated:
		fmt.Fprintf(w, "  %s %s (%d bytes)\n", green("+"), e.Path, e.Size)
	case events.Log:
		fmt.Fprintf(w, "  %s %s: %s\n", severityLabel(e.Severity), e.Kind, e.Message)
	case events.RunCompleted:
		fmt.Fprintf(w, "%s %d files in %s\n", green(bold("✓ completed")), e.Files, e.Duration.Round(time.Millisecond))
	case events.RunFailed:
		fmt.Fprintf(w, "%s after %s\n%s\n", red(bold("✗ failed")), e.Duration.Round(time.Millisecond), red(e.ErrorSummary))
	case events.RunCancelled:
		fmt.Fprintf(w, "%s after %s\n", yellow(bold("⊘ cancelled")), e.Duration.Round(time.Millisecond))
	}
}

// printSummary writes the final state of a run.
func printSummary(w io.Writer, snap orchestrator.Snapshot) {
	fmt.Fprintf(w, "\n%s %s\n", bold("Run"), snap.RunID)
	fmt.Fprintf(w, "  Status:   %s %s\n", statusSymbol(snap.Status.String()), snap.Status)
	if !snap.StartedAt.IsZero() && !snap.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Duration: %s\n", snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  Files:    %d\n", len(snap.Files))
	fmt.Fprintf(w, "  Tokens:   %d in, %d out\n", snap.Usage.InputTokens, snap.Usage.OutputTokens)
	for _, t := range snap.Tasks {
		line := fmt.Sprintf("  %s %-12s %3d%%", statusSymbol(t.Status.String()), t.ID, t.Progress)
		if t.RetryCount > 0 {
			line += faint(fmt.Sprintf(" (%d retries)", t.RetryCount))
		}
		if t.Error != "" {
			line += " " + red(t.Error)
		}
		fmt.Fprintln(w, line)
	}
	if snap.ErrorSummary != "" {
		fmt.Fprintf(w, "\n%s\n", red(snap.ErrorSummary))
	}
}
