package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the "config" command.
func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the configuration file and
PROVISION_* environment variables have been applied. The result is
validated first.

Examples:
  provisioner config
  PROVISION_BASE_IMAGE=python:3.12-slim provisioner config --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
}

func runConfig() error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(cfg)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
