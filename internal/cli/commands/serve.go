package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/api"
	"github.com/aki/wesd/internal/cli/ui"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the WES HTTP API",
	Long: `Serve the GA4GH WES API. Runs are executed by this process; on SIGINT or
SIGTERM the server stops accepting requests and waits for running engines
up to server.shutdown_timeout.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openContainer(cmd)
	if err != nil {
		return err
	}

	cfg := c.Config
	listen := cfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	opts := []api.Option{api.WithLogger(c.Logger)}
	if cfg.Auth.Enabled {
		opts = append(opts, api.WithAuth(cfg.TokenMap()))
	}
	server := api.NewServer(c.Orchestrator, opts...)

	ui.Info("Serving WES API on http://%s%s", listen, api.BasePath)
	serveErr := server.ListenAndServe(ctx, listen, cfg.Server.ShutdownTimeout)

	c.Logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		c.Logger.Warn("shutdown incomplete; unfinished runs recover on next start", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	ui.Success("Server stopped")
	return nil
}
