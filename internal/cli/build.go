package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/model"
	"github.com/shinji-kodama/app-provisioner/internal/provision"
)

// buildFlags holds the flag values for the build command.
type buildFlags struct {
	tag     string
	noCache bool
	pull    bool
}

// NewBuildCommand creates the "build" command: the docker backend.
func NewBuildCommand() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a container image for the application",
		Long: `Build a container image through the Docker Engine.

The generated Dockerfile installs the manifest in its own layer before the
application tree is copied, so rebuilding after a source-only change reuses
the installed dependencies from the engine's layer cache. The image is
tagged and labelled only when every step succeeds.

Examples:
  provisioner build
  provisioner build --tag weather-etl:1.4.0
  provisioner build --no-cache --pull --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "Image reference (overrides the tag setting)")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Do not use the engine's layer cache")
	cmd.Flags().BoolVar(&flags.pull, "pull", false, "Always pull a newer base image")

	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, flags *buildFlags) error {
	overrides := map[string]any{}
	if cmd.Flags().Changed("tag") {
		overrides["tag"] = flags.tag
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}

	req, err := provision.Prepare(ctx, cfg, cfg.LocalRootDir())
	if err != nil {
		return err
	}
	VerboseLog("Manifest %s: %d requirements, hash %s", cfg.ManifestPath(), len(req.Manifest.Requirements), req.Manifest.Hash())

	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}
	VerboseLog("Connected to Docker daemon")

	backend := provision.NewDocker(cli, cfg.Tag, pipelineOptions())
	backend.NoCache = flags.noCache
	backend.Pull = flags.pull
	backend.Progress = buildProgress()

	res, err := backend.Provision(ctx, req)
	if err != nil {
		return err
	}
	return printResult(res)
}

// buildProgress returns the writer for engine build output. JSON mode
// keeps stderr free of it.
func buildProgress() io.Writer {
	if jsonOutput {
		return nil
	}
	return os.Stderr
}

// printResult writes a provisioning result in text or JSON.
func printResult(res *model.Result) error {
	if IsJSONOutput() {
		return printJSON(res)
	}
	fmt.Print(renderResult(res))
	return nil
}
