package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/launch"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	root  string
	image string
	keep  bool
	data  string
}

// NewRunCommand creates the "run" command, which launches the entrypoint.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the entrypoint in a provisioned environment",
		Long: `Launch the entrypoint of a provisioned environment.

Without --image the entrypoint runs in a local working root created by
"provisioner provision". With --image it runs in a new container from a
managed image. The entrypoint receives no arguments, and provisioner exits
with its exit status.

Examples:
  provisioner run
  provisioner run --root /srv/weather-etl
  provisioner run --image weather-etl:1.4.0 --data ./data`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.root, "root", "", "Local working root (overrides the local_root setting)")
	cmd.Flags().StringVar(&flags.image, "image", "", "Run in a container from this managed image")
	cmd.Flags().BoolVar(&flags.keep, "keep", false, "Keep the container after it exits")
	cmd.Flags().StringVar(&flags.data, "data", "", "Host directory mounted over the container's data directory")

	cmd.MarkFlagsMutuallyExclusive("root", "image")

	return cmd
}

func runRun(ctx context.Context, cmd *cobra.Command, flags *runFlags) error {
	if flags.image == "" && (flags.keep || flags.data != "") {
		return model.NewCLIError(model.ExitInvalidInput, "--keep and --data require --image")
	}

	var (
		code int
		err  error
	)
	if flags.image != "" {
		code, err = runContainer(ctx, flags)
	} else {
		code, err = runLocal(ctx, cmd, flags)
	}
	if err != nil {
		return err
	}
	return entrypointResult(code)
}

func runLocal(ctx context.Context, cmd *cobra.Command, flags *runFlags) (int, error) {
	cfg, err := loadConfig(rootOverrides(cmd, flags.root))
	if err != nil {
		return 0, err
	}
	root := cfg.LocalRootDir()

	state, err := provision.LoadState(root)
	if err != nil {
		return 0, model.WrapCLIError(model.ExitInvalidInput, "failed to read provisioning state", err)
	}
	if state == nil {
		return 0, model.NewCLIError(model.ExitInvalidInput,
			fmt.Sprintf("working root %s is not provisioned; run \"provisioner provision\" first", root))
	}
	VerboseLog("Working root %s provisioned at %s", root, state.ProvisionedAt.Format("2006-01-02 15:04:05"))

	l := &launch.Local{
		Root:        root,
		Interpreter: state.Interpreter,
		Entrypoint:  state.Entrypoint,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Logger:      logger,
	}
	code, err := l.Run(ctx)
	if err != nil {
		return 0, model.WrapCLIError(model.ExitGeneralError, "failed to launch entrypoint", err)
	}
	return code, nil
}

func runContainer(ctx context.Context, flags *runFlags) (int, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return 0, err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return 0, err
	}

	c := &launch.Container{
		Client:  cli,
		Image:   flags.image,
		DataDir: flags.data,
		Keep:    flags.keep,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Logger:  logger,
	}
	return c.Run(ctx)
}

// entrypointResult turns an entrypoint exit status into the command result.
func entrypointResult(code int) error {
	if code == 0 {
		return nil
	}
	return &model.EntrypointExit{Code: code}
}
