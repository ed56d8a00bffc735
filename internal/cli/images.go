package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// NewImagesCommand creates the "images" command.
func NewImagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List images built by provisioner",
		Long: `List the images labelled as managed by provisioner, newest first.

Examples:
  provisioner images
  provisioner images --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImages(cmd.Context())
		},
	}
}

func runImages(ctx context.Context) error {
	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	images, err := docker.ListManagedImages(ctx, cli)
	if err != nil {
		return err
	}
	VerboseLog("Found %d managed images", len(images))

	if IsJSONOutput() {
		type resultJSON struct {
			Images []model.ImageInfo `json:"images"`
		}
		return printJSON(resultJSON{Images: images})
	}
	fmt.Print(renderImages(images))
	return nil
}
