package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/app"
	"github.com/aki/wesd/internal/core/config"
)

// closeTimeout bounds how long a one-shot command waits for background
// work when it exits
const closeTimeout = 10 * time.Second

func configManager() *config.Manager {
	return config.NewManager(flagConfig)
}

// openContainer loads the configuration and wires the service components
func openContainer(cmd *cobra.Command) (*app.Container, error) {
	manager := configManager()
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}
	log, err := CreateLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return app.NewContainerFromConfig(cmd.Context(), cfg, manager, log)
}

// withContainer runs fn against a container and closes it afterwards
func withContainer(cmd *cobra.Command, fn func(c *app.Container) error) error {
	c, err := openContainer(cmd)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			c.Logger.Warn("failed to close cleanly", "error", err)
		}
	}()
	return fn(c)
}
