package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	force bool
}

// NewRemoveCommand creates the "remove" command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:     "remove <image>",
		Aliases: []string{"rm"},
		Short:   "Remove an image built by provisioner",
		Long: `Remove a managed image and its tags. Images that were not built by
provisioner are refused.

Examples:
  provisioner remove weather-etl:1.4.0
  provisioner remove --force 4f2a9c1b7d3e`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove the image even if stopped containers use it")

	return cmd
}

func runRemove(ctx context.Context, ref string, flags *removeFlags) error {
	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	deleted, err := docker.RemoveImage(ctx, cli, ref, flags.force)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		type resultJSON struct {
			Image   string   `json:"image"`
			Deleted []string `json:"deleted"`
		}
		if deleted == nil {
			deleted = []string{}
		}
		return printJSON(resultJSON{Image: ref, Deleted: deleted})
	}

	fmt.Printf("%s %s (%d layers deleted)\n", okStyle.Render("Removed"), ref, len(deleted))
	return nil
}
