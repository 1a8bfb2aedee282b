package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/app"
	"github.com/aki/wesd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	Long: `Start the Model Context Protocol server for AI agent integration.

The protocol uses stdout; logs go to stderr. Runs submitted through MCP
are executed by this process.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	return withContainer(cmd, func(c *app.Container) error {
		server, err := mcp.NewServer(c.Orchestrator, Version, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		return server.ServeStdio()
	})
}
