package launch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/layout"
	"github.com/shinji-kodama/app-provisioner/internal/logging"
)

const dataPrefix = "data/"

// Container describes an entrypoint baked into a managed image.
type Container struct {
	Client *docker.Client

	// Image is the tag or ID of a managed image.
	Image string

	// DataDir, when set, is a host directory mounted over <root>/data so
	// outputs outlive the container.
	DataDir string

	// Keep leaves the exited container in place.
	Keep bool

	Stdout io.Writer
	Stderr io.Writer

	Logger *log.Logger
}

// Run starts a container from the image and returns the entrypoint's exit
// status. An image that is missing or not managed by provisioner is
// reported with ExitImageNotFound before anything runs.
func (c *Container) Run(ctx context.Context) (int, error) {
	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	info, err := docker.InspectManagedImage(ctx, c.Client, c.Image)
	if err != nil {
		return 0, err
	}

	opts := docker.RunOptions{
		Image:  info.ID,
		Keep:   c.Keep,
		Stdout: c.Stdout,
		Stderr: c.Stderr,
		Labels: map[string]string{docker.LabelImage: c.Image},
	}
	if c.DataDir != "" {
		bind, err := dataBind(c.DataDir, info.WorkingRoot)
		if err != nil {
			return 0, err
		}
		opts.Binds = []string{bind}
	}

	logger.Debug("launching container", "image", c.Image, "id", docker.ShortID(info.ID), "binds", opts.Binds)
	return docker.RunContainer(ctx, c.Client, opts)
}

// dataBind returns the bind string mounting dir over the data
// directory of workingRoot. The mount hides the directories baked into the
// image, so they are provisioned in dir first.
func dataBind(dir, workingRoot string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid data directory %s: %w", dir, err)
	}

	for _, rel := range layout.Directories {
		sub, ok := strings.CutPrefix(rel, dataPrefix)
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Join(abs, filepath.FromSlash(sub)), layout.DirMode); err != nil {
			return "", fmt.Errorf("failed to prepare data directory: %w", err)
		}
	}
	return abs + ":" + path.Join(workingRoot, "data"), nil
}
