// Package app provides the dependency container shared by the CLI, HTTP and MCP surfaces
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aki/wesd/internal/core/config"
	"github.com/aki/wesd/internal/core/index"
	"github.com/aki/wesd/internal/core/lifecycle"
	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/provenance"
	"github.com/aki/wesd/internal/core/rundir"
)

// Container holds the long-lived service objects, built once at startup
type Container struct {
	Config        *config.Config
	ConfigManager *config.Manager
	Logger        logger.Logger

	Store        *rundir.Store
	Index        *index.Store
	Orchestrator *lifecycle.Orchestrator
}

// NewContainer loads the configuration and wires the core components in dependency order
func NewContainer(ctx context.Context, manager *config.Manager, log logger.Logger) (*Container, error) {
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}
	return NewContainerFromConfig(ctx, cfg, manager, log)
}

// NewContainerFromConfig wires the core components from an already loaded configuration
func NewContainerFromConfig(ctx context.Context, cfg *config.Config, manager *config.Manager, log logger.Logger) (*Container, error) {
	if log == nil {
		log = logger.Nop()
	}
	c := &Container{
		Config:        cfg,
		ConfigManager: manager,
		Logger:        log,
	}

	// Run directories (no dependencies)
	store, err := rundir.New(cfg.Storage.RunDir, rundir.WithLogger(log))
	if err != nil {
		return nil, err
	}
	c.Store = store

	// Index (depends on nothing but its file)
	if dir := filepath.Dir(cfg.Storage.IndexPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	c.Index, err = index.Open(ctx, cfg.Storage.IndexPath,
		index.WithLogger(log),
		index.WithSigningKey([]byte(cfg.Index.SigningKey)),
		index.WithPageSizes(cfg.Index.DefaultPageSize, cfg.Index.MaxPageSize),
	)
	if err != nil {
		return nil, err
	}

	// Orchestrator (depends on store and index)
	c.Orchestrator = lifecycle.New(OrchestratorConfig(cfg), store, c.Index,
		lifecycle.WithLogger(log),
		lifecycle.WithProvenance(provenance.NewRoCrate()),
	)
	return c, nil
}

// OrchestratorConfig derives the orchestrator settings from the service configuration
func OrchestratorConfig(cfg *config.Config) lifecycle.Config {
	return lifecycle.Config{
		EngineCommand: cfg.Engine.Command,
		EngineEnv:     cfg.Engine.Env,
		CancelGrace:   cfg.Engine.CancelGrace,
		StaleAfter:    cfg.Engine.StaleAfter,
		WorkflowTypes: cfg.WorkflowTypeMap(),
		AllowedURLs:   cfg.Workflows.AllowedURLs,
		ExternalURL:   cfg.Server.ExternalURL,
		AuthEnabled:   cfg.Auth.Enabled,
	}
}

// Close waits for background runs until ctx ends, then closes the index
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Index != nil {
		if err := c.Index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close index: %w", err))
		}
	}
	return errors.Join(errs...)
}
