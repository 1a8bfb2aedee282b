package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/cli/ui"
	"github.com/aki/wesd/internal/core/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the wesd configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager := configManager()
		if manager.Exists() && !configInitForce {
			return fmt.Errorf("configuration already exists: %s (use --force to overwrite)", manager.Path())
		}
		if err := manager.Save(config.DefaultConfig()); err != nil {
			return err
		}
		ui.Success("Configuration written to %s", manager.Path())
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long:  "Display the configuration after defaults, the file and WESD_ environment overrides are merged",
	Example: `  # Show configuration as YAML
  wesd config show

  # Show configuration as JSON
  wesd config show --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configManager().Load()
		if err != nil {
			return err
		}
		if ui.GlobalFormatter.IsJSON() {
			return ui.GlobalFormatter.Output(cfg)
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		ui.Output("%s", data)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager := configManager()
		if _, err := manager.Load(); err != nil {
			return err
		}
		ui.Success("Configuration is valid: %s", manager.Path())
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
