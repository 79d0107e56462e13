package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/config"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
	"github.com/aristath/appforge/internal/persistence"
	"github.com/aristath/appforge/internal/plugins"
)

// app bundles the long-lived components a command needs.
type app struct {
	store persistence.Store
	bus   *events.EventBus
	pm    *agent.ProcessManager
	svc   *orchestrator.Service
}

// newApp opens the run store and builds the orchestrator from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		store.Close()
		return nil, err
	}
	pm := agent.NewProcessManager()
	perKind, def := cfg.AgentConfigs(workDir)
	caps, err := agent.NewSet(perKind, def, pm, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configuring agents: %w", err)
	}

	hooks, err := loadPlugins(cfg.Plugins.Dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	bus := events.NewEventBus()
	o := cfg.Orchestrator
	svc := orchestrator.New(orchestrator.Options{
		Capabilities:   caps,
		Bus:            bus,
		Logger:         logger,
		Recorder:       store,
		Hooks:          hooks,
		MaxConcurrency: o.MaxConcurrency,
		TaskTimeout:    o.TaskTimeout,
		Retry: orchestrator.RetryConfig{
			MaxAttempts:         o.Retry.MaxAttempts,
			InitialInterval:     o.Retry.InitialInterval,
			MaxInterval:         o.Retry.MaxInterval,
			Multiplier:          o.Retry.Multiplier,
			RandomizationFactor: o.Retry.RandomizationFactor,
		},
		Breaker: orchestrator.BreakerConfig{
			ConsecutiveFailures: o.Breaker.ConsecutiveFailures,
			OpenTimeout:         o.Breaker.OpenTimeout,
		},
	})

	return &app{store: store, bus: bus, pm: pm, svc: svc}, nil
}

// loadPlugins installs every manifest found in dir.
func loadPlugins(dir string) (*plugins.Registry, error) {
	reg := plugins.NewRegistry()
	manifests, err := plugins.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if err := reg.Install(m); err != nil {
			return nil, fmt.Errorf("installing plugin %s: %w", m.ID, err)
		}
		logger.Debug("plugin installed", "plugin_id", m.ID, "hooks", len(m.Hooks))
	}
	return reg, nil
}

// close cancels active runs, waits for them to be recorded, and releases
// every resource.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.svc.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down orchestrator: %w", err))
		if err := a.pm.KillAll(); err != nil {
			errs = append(errs, fmt.Errorf("killing agent processes: %w", err))
		}
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
