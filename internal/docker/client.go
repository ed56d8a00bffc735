package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// defaultPingTimeout is the longest Ping waits for the daemon to answer.
// Docker Desktop on macOS can take a few seconds to respond after the VM
// wakes up, so the bound is loose.
const defaultPingTimeout = 5 * time.Second

// Client wraps the Docker Engine SDK client for provisioner. The docker
// backend builds through it, the container launcher runs images through it,
// and the images and remove commands find managed images by label through it.
//
// The wrapper owns socket detection and turns connectivity failures into
// model.CLIError values carrying ExitDockerNotRunning, so every caller
// reports an unreachable daemon the same way.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// inner is the SDK client. It is held as the APIClient interface
	// rather than embedded, which keeps the exported surface small and lets
	// tests substitute a client bound to a testcontainers daemon.
	inner client.APIClient
}

// NewClient creates a Docker client with automatic socket detection.
//
// The daemon address is chosen in this order:
//  1. DOCKER_HOST, when set, used verbatim
//  2. the platform's default socket:
//     - Linux: /var/run/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine
//
// NewClient does not contact the daemon; call Ping for that. A missing
// socket is reported as a model.CLIError with ExitDockerNotRunning.
func NewClient() (*Client, error) {
	// Step 1: An explicit DOCKER_HOST is respected unconditionally. The SDK
	// parses the connection string (unix://, tcp://, npipe://, ssh://).
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return newClientWithHost(host)
	}

	// Step 2: Look for the sockets the platform's Docker distribution uses.
	host, err := detectDockerHost()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "Docker socket not found", err)
	}
	return newClientWithHost(host)
}

// NewClientFromAPI wraps an existing SDK client. Tests use it to point the
// wrapper at a daemon started by testcontainers.
func NewClientFromAPI(api client.APIClient) *Client {
	return &Client{inner: api}
}

// newClientWithHost creates an SDK client for host, a Docker connection
// string such as "unix:///var/run/docker.sock".
func newClientWithHost(host string) (*Client, error) {
	// API version negotiation picks the highest version both sides
	// support, so older daemons keep working without a pinned version.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}
	return &Client{inner: c}, nil
}

// detectDockerHost returns the host URI of the first known socket that
// exists on this platform.
//
// Only existence is checked here. Whether a daemon actually listens on the
// socket is Ping's job.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return detectUnixSocket([]string{"/var/run/docker.sock"})

	case "darwin":
		paths := []string{"/var/run/docker.sock"}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, home+"/.docker/run/docker.sock")
		}
		return detectUnixSocket(paths)

	case "windows":
		// os.Stat does not work on named pipes, so dial briefly instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, time.Second)
		if err != nil {
			return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)
		}
		_ = conn.Close()
		return "npipe://" + pipePath, nil

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns "unix://<path>" for the first path that exists.
func detectUnixSocket(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return "unix://" + p, nil
		}
	}
	return "", fmt.Errorf("Docker socket not found at any of %v; is Docker running?", paths)
}

// Ping checks that the daemon answers within defaultPingTimeout.
//
// Every command that talks to the daemon pings first, so a stopped Docker
// surfaces as exit code 3 with a hint instead of an opaque error from the
// first build or run call. Failures are reported as a model.CLIError with
// ExitDockerNotRunning.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding; is Docker running?",
			err,
		)
	}
	return nil
}

// Close releases the underlying connection. It is safe to call twice.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner returns the SDK client for calls the wrapper does not expose.
func (c *Client) Inner() client.APIClient {
	return c.inner
}
