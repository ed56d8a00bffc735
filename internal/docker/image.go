package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"golang.org/x/term"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// BuildOptions configures an image build.
type BuildOptions struct {
	// Context is a tar stream holding the Dockerfile and everything it
	// copies. It is consumed by the build.
	Context io.Reader

	// Dockerfile is the Dockerfile path inside Context.
	Dockerfile string

	// Tags are the references applied to the built image.
	Tags []string

	// Labels are written onto the image.
	Labels map[string]string

	// NoCache disables the layer cache for every step.
	NoCache bool

	// Pull refreshes the base image even when it is present locally.
	Pull bool

	// Progress receives the daemon's build output as plain text lines.
	// When it is the process's terminal, output is rendered in place.
	Progress io.Writer
}

// BuildImage sends a build to the daemon and streams its progress. The
// classic builder is requested so the output carries "Step N/M" lines that
// callers can attribute to pipeline steps. It returns the image ID.
//
// A failing Dockerfile instruction is reported as *jsonmessage.JSONError.
func (c *Client) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	resp, err := c.inner.ImageBuild(ctx, opts.Context, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Labels:      opts.Labels,
		Dockerfile:  opts.Dockerfile,
		NoCache:     opts.NoCache,
		PullParent:  opts.Pull,
		Remove:      true,
		ForceRemove: true,
		Version:     build.BuilderV1,
	})
	if err != nil {
		return "", wrapEngineError("failed to start image build", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := opts.Progress
	if out == nil {
		out = io.Discard
	}
	fd, isTerm := terminalFd(out)

	var imageID string
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result build.Result
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
			imageID = result.ID
		}
	}

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, fd, isTerm, aux); err != nil {
		return "", err
	}
	if imageID == "" && len(opts.Tags) > 0 {
		// Older daemons do not send the aux result; fall back to the tag.
		inspect, err := c.inner.ImageInspect(ctx, opts.Tags[0])
		if err != nil {
			return "", wrapEngineError("failed to inspect built image", err)
		}
		imageID = inspect.ID
	}
	return imageID, nil
}

// terminalFd reports whether w is a terminal, for in-place progress output.
// Writers that wrap a file expose it through an Fd method, as *os.File does.
func terminalFd(w io.Writer) (uintptr, bool) {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	fd := f.Fd()
	return fd, term.IsTerminal(int(fd))
}

// ListManagedImages returns every image carrying the managed-by label,
// newest first. Images whose labels do not parse are skipped.
func ListManagedImages(ctx context.Context, cli *Client) ([]model.ImageInfo, error) {
	args := filters.NewArgs()
	for k, v := range FilterLabels() {
		args.Add("label", k+"="+v)
	}

	summaries, err := cli.inner.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return nil, wrapEngineError("failed to list images", err)
	}

	result := make([]model.ImageInfo, 0, len(summaries))
	for _, s := range summaries {
		info, err := ParseLabels(s.Labels)
		if err != nil {
			continue
		}
		info.ID = s.ID
		info.Tags = managedTags(s.RepoTags)
		info.Size = s.Size
		if info.CreatedAt.IsZero() {
			info.CreatedAt = time.Unix(s.Created, 0).UTC()
		}
		result = append(result, *info)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// managedTags drops the "<none>:<none>" placeholder of dangling images.
func managedTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "<none>:<none>" {
			out = append(out, t)
		}
	}
	return out
}

// InspectManagedImage returns the metadata of ref (a tag or ID). An image
// that does not exist, or was not built by provisioner, is reported as a
// model.CLIError with ExitImageNotFound.
func InspectManagedImage(ctx context.Context, cli *Client, ref string) (*model.ImageInfo, error) {
	inspect, err := cli.inner.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, model.WrapCLIError(model.ExitImageNotFound, fmt.Sprintf("image %q not found", ref), err)
		}
		return nil, wrapEngineError("failed to inspect image", err)
	}

	var labels map[string]string
	if inspect.Config != nil {
		labels = inspect.Config.Labels
	}
	info, err := ParseLabels(labels)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitImageNotFound,
			fmt.Sprintf("image %q is not managed by provisioner", ref),
			err,
		)
	}

	info.ID = inspect.ID
	info.Tags = managedTags(inspect.RepoTags)
	info.Size = inspect.Size
	return info, nil
}

// RemoveImage deletes a managed image. Tags are removed along with the
// image; force also removes an image that stopped containers still use.
// It returns the deleted layer IDs.
func RemoveImage(ctx context.Context, cli *Client, ref string, force bool) ([]string, error) {
	info, err := InspectManagedImage(ctx, cli, ref)
	if err != nil {
		return nil, err
	}

	responses, err := cli.inner.ImageRemove(ctx, info.ID, image.RemoveOptions{
		Force:         force,
		PruneChildren: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, model.WrapCLIError(model.ExitImageNotFound, fmt.Sprintf("image %q not found", ref), err)
		}
		return nil, wrapEngineError(fmt.Sprintf("failed to remove image %s", ref), err)
	}

	var deleted []string
	for _, r := range responses {
		if r.Deleted != "" {
			deleted = append(deleted, r.Deleted)
		}
	}
	return deleted, nil
}

// ShortID trims the digest algorithm and shortens an ID to 12 characters,
// the form `docker images` prints.
func ShortID(id string) string {
	if _, hex, ok := strings.Cut(id, ":"); ok {
		id = hex
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// wrapEngineError maps connection failures to ExitDockerNotRunning and
// everything else to ExitBackendFailed.
func wrapEngineError(msg string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return model.WrapCLIError(model.ExitDockerNotRunning, msg, err)
	}
	return model.WrapCLIError(model.ExitBackendFailed, msg, err)
}
