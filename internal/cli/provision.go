package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// provisionFlags holds the flag values for the provision command.
type provisionFlags struct {
	root         string
	forceInstall bool
}

// NewProvisionCommand creates the "provision" command: the local backend.
func NewProvisionCommand() *cobra.Command {
	flags := &provisionFlags{}

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Materialize a working root on this machine",
		Long: `Materialize a working root on the host filesystem.

Dependencies go into a virtual environment at <root>/.venv, created with
the configured interpreter. The environment is reused as long as the
manifest renders to the same content; --force-install recreates it anyway.
A root is marked as provisioned only after every step has succeeded.

Examples:
  provisioner provision
  provisioner provision --root /srv/weather-etl
  provisioner provision --force-install`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.root, "root", "", "Working root (overrides the local_root setting)")
	cmd.Flags().BoolVar(&flags.forceInstall, "force-install", false, "Reinstall dependencies even if the manifest is unchanged")

	return cmd
}

func runProvision(ctx context.Context, cmd *cobra.Command, flags *provisionFlags) error {
	cfg, err := loadConfig(rootOverrides(cmd, flags.root))
	if err != nil {
		return err
	}
	root := cfg.LocalRootDir()

	req, err := provision.Prepare(ctx, cfg, root)
	if err != nil {
		return err
	}

	backend := provision.NewLocal(root, &provision.PipInstaller{Output: progressOutput()}, pipelineOptions())
	backend.ForceInstall = flags.forceInstall

	res, err := backend.Provision(ctx, req)
	if err != nil {
		return err
	}
	return printResult(res)
}

// rootOverrides maps an explicitly set --root flag onto local_root.
func rootOverrides(cmd *cobra.Command, root string) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("root") {
		overrides["local_root"] = root
	}
	return overrides
}
