package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// daggerFlags holds the flag values for the dagger command.
type daggerFlags struct {
	publish string
}

// NewDaggerCommand creates the "dagger" command: the Dagger backend.
func NewDaggerCommand() *cobra.Command {
	flags := &daggerFlags{}

	cmd := &cobra.Command{
		Use:   "dagger",
		Short: "Build the environment as a Dagger pipeline",
		Long: `Run the provisioning pipeline in a Dagger engine.

The steps are the same as for build, expressed as a Dagger container graph.
With --publish the finished container is pushed to a registry.

Examples:
  provisioner dagger
  provisioner dagger --publish registry.example.com/weather-etl:1.4.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDagger(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.publish, "publish", "", "Registry address to publish the container to")

	return cmd
}

func runDagger(ctx context.Context, flags *daggerFlags) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	req, err := provision.Prepare(ctx, cfg, cfg.LocalRootDir())
	if err != nil {
		return err
	}

	backend := provision.NewDagger(flags.publish, pipelineOptions())
	backend.LogOutput = progressOutput()

	res, err := backend.Provision(ctx, req)
	if err != nil {
		return err
	}
	return printResult(res)
}
