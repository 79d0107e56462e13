package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/appforge/internal/config"
	"github.com/aristath/appforge/internal/logging"
)

var (
	globalConfigFlag string
	logLevelFlag     string

	appCfg     *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	globalPath string
)

var rootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "Generate applications with a team of AI agents",
	Long: `appforge turns a project description into generated source code.

A generation run splits the work into database, backend, frontend, auth,
integrations and deployment tasks, runs them in dependency order with
bounded concurrency, and merges every task's files into one result.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigFlag, "config", "", "Global config file (default ~/.appforge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log.level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(wizardCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and builds the process logger.
func setup() error {
	globalPath = globalConfigFlag
	if globalPath == "" {
		p, err := config.GlobalPath()
		if err != nil {
			return err
		}
		globalPath = p
	}

	cfg, err := config.Load(globalPath, config.ProjectPath())
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, closer, err := logging.New(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return err
	}
	appCfg = cfg
	logger = l
	logCloser = closer
	return nil
}
