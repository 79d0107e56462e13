package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/appforge/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the generation HTTP API",
	Long: `Serve the generation HTTP API.

Endpoints:
  POST /api/projects/{projectID}/generate   start a run (X-User-ID header)
  GET  /api/generations/{runID}             run snapshot
  GET  /api/generations/{runID}/files       generated file list
  POST /api/generations/{runID}/cancel      cancel a run
  GET  /api/generations/{runID}/events      server-sent event stream
  GET  /health`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
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

	addr := serveAddr
	if addr == "" {
		addr = appCfg.Server.Addr
	}
	srv := server.New(server.Options{
		Runs:    a.svc,
		History: a.store,
		Logger:  logger,
		Addr:    addr,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", srv.Addr())

	<-ctx.Done()
	// Restore default signal handling so a second Ctrl+C force-exits.
	stop()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
