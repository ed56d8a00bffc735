package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// LabelImage records, on a launched container, the image it runs.
const LabelImage = LabelPrefix + "image"

// killTimeout bounds the signal sent to a container when the caller's
// context is cancelled.
const killTimeout = 10 * time.Second

// RunOptions configures a one-shot container run.
type RunOptions struct {
	// Image is the tag or ID to run. Its baked-in entrypoint is used
	// unchanged and receives no arguments.
	Image string

	// Name is the container name. Empty lets the daemon pick one.
	Name string

	// Env adds "KEY=value" entries on top of the image environment.
	Env []string

	// Binds are volume bindings in "host:container[:mode]" form.
	Binds []string

	// Labels are added to the container, next to provisioner's own.
	Labels map[string]string

	// Keep leaves the exited container in place for inspection.
	Keep bool

	// Stdout and Stderr receive the container's demultiplexed output.
	Stdout io.Writer
	Stderr io.Writer
}

// RunContainer creates and starts a container from opts.Image, relays its
// output until it exits and returns its exit status. Cancelling ctx sends
// SIGINT to the container; RunContainer still waits for the exit so the
// status the entrypoint chose is reported.
func RunContainer(ctx context.Context, cli *Client, opts RunOptions) (int, error) {
	labels := map[string]string{}
	maps.Copy(labels, opts.Labels)
	labels[LabelManagedBy] = ManagedByValue
	if labels[LabelImage] == "" {
		labels[LabelImage] = opts.Image
	}

	created, err := cli.inner.ContainerCreate(ctx,
		&container.Config{
			Image:        opts.Image,
			Env:          opts.Env,
			Labels:       labels,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{Binds: opts.Binds},
		nil, nil, opts.Name,
	)
	if err != nil {
		return 0, wrapEngineError(fmt.Sprintf("failed to create container from %s", opts.Image), err)
	}
	id := created.ID

	if !opts.Keep {
		defer func() {
			rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
			defer cancel()
			_ = cli.inner.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
		}()
	}

	// The wait must be registered before start, or a fast exit is missed.
	waitCtx := context.WithoutCancel(ctx)
	statusCh, errCh := cli.inner.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := cli.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return 0, wrapEngineError(fmt.Sprintf("failed to start container %s", ShortID(id)), err)
	}

	logs, err := cli.inner.ContainerLogs(waitCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return 0, wrapEngineError("failed to attach to container output", err)
	}
	defer func() { _ = logs.Close() }()

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(writerOrDiscard(opts.Stdout), writerOrDiscard(opts.Stderr), logs)
		copyDone <- err
	}()

	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			killCtx, cancel := context.WithTimeout(waitCtx, killTimeout)
			_ = cli.inner.ContainerKill(killCtx, id, "SIGINT")
			cancel()

		case err := <-errCh:
			return 0, wrapEngineError("failed waiting for container", err)

		case status := <-statusCh:
			// Drain buffered output before reporting the exit.
			if err := <-copyDone; err != nil && !errors.Is(err, io.EOF) {
				return int(status.StatusCode), fmt.Errorf("failed to relay container output: %w", err)
			}
			if status.Error != nil && status.Error.Message != "" {
				return int(status.StatusCode), model.NewCLIError(model.ExitBackendFailed, status.Error.Message)
			}
			return int(status.StatusCode), nil
		}
	}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
