// Package commands implements the wesd command line.
package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/cli/ui"
)

var (
	flagConfig string
	flagFormat string
)

var rootCmd = &cobra.Command{
	Use:   "wesd",
	Short: "Workflow Execution Service daemon",
	Long: `wesd accepts workflow run requests, launches a workflow engine for each run
and tracks every run through its lifecycle in a run directory on disk.

It serves the GA4GH WES API over HTTP and the same operations as MCP tools.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, err := ui.ParseFormat(flagFormat)
		if err != nil {
			return err
		}
		return ui.SetGlobalFormatter(format)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Configuration file (default ./wesd.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "pretty", "Output format (pretty, json)")
	RegisterLoggerFlags(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	// Shortcut for the most common query
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ps",
		Short: "Alias for 'runs list'",
		Args:  cobra.NoArgs,
		RunE:  runRunsList,
	})
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		_ = ui.GlobalFormatter.OutputError(err)
	}
	return err
}
