package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// NewDockerfileCommand creates the "dockerfile" command.
func NewDockerfileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dockerfile",
		Short: "Print the generated Dockerfile",
		Long: `Print the Dockerfile that "provisioner build" sends to the engine. Each
group of instructions is headed by the pipeline step it implements.

Examples:
  provisioner dockerfile > Dockerfile`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDockerfile(cmd.Context())
		},
	}
}

func runDockerfile(ctx context.Context) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	req, err := provision.Prepare(ctx, cfg, cfg.LocalRootDir())
	if err != nil {
		return err
	}

	ins, err := provision.Dockerfile(req)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidInput, "failed to generate Dockerfile", err)
	}
	_, err = os.Stdout.Write(provision.RenderDockerfile(ins))
	return err
}
