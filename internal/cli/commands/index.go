package commands

import (
	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/app"
	"github.com/aki/wesd/internal/cli/ui"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Maintain the run index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the run index from the run directories",
	Long: `Re-derive every run, including deleted tombstones, from its directory and
replace the index contents. Rows for runs that no longer exist on disk are dropped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(c *app.Container) error {
			n, err := c.Orchestrator.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			if ui.GlobalFormatter.IsJSON() {
				return ui.GlobalFormatter.Output(map[string]int{"runs": n})
			}
			ui.Success("Index rebuilt with %d run(s)", n)
			return nil
		})
	},
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
}
