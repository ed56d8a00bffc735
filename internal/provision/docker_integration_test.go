//go:build integration

package provision

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shinji-kodama/app-provisioner/internal/docker"
	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// layoutCheckApp checks the provisioned layout from inside the image and exits
// with a distinctive status.
var layoutCheckApp = map[string]string{
	"requirements.txt": "",
	"main.py": `import os, sys
root = os.environ["PYTHONPATH"]
assert os.getcwd() == root, os.getcwd()
assert os.environ["PYTHONUNBUFFERED"] == "1"
for d in ("data/raw", "data/processed", "data/output", "logs"):
    p = os.path.join(root, d)
    assert os.path.isdir(p) and not os.listdir(p), d
assert len(sys.argv) == 1, sys.argv
import helper
print(helper.GREETING)
sys.exit(3)
`,
	"helper.py": "GREETING = 'provisioned'\n",
}

// TestGeneratedContext_Integration builds the generated context with
// testcontainers and checks the entrypoint's exit status.
func TestGeneratedContext_Integration(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := newTestRequest(t, layoutCheckApp)
	ins, err := Dockerfile(req)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteContext(&buf, req, RenderDockerfile(ins)))

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			FromDockerfile: testcontainers.FromDockerfile{
				ContextArchive: bytes.NewReader(buf.Bytes()),
				Dockerfile:     contextDockerfile,
			},
			WaitingFor: wait.ForExit().WithExitTimeout(2 * time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	state, err := ctr.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, state.ExitCode)
}

// TestDockerBackend_Integration builds through the Docker backend and runs
// the image with the container launcher.
func TestDockerBackend_Integration(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	cli, err := docker.NewClient()
	require.NoError(t, err)
	defer func() { _ = cli.Close() }()
	require.NoError(t, cli.Ping(ctx))

	req := newTestRequest(t, layoutCheckApp)
	tag := "provisioner-integration:" + strings.ToLower(strings.ReplaceAll(t.Name(), "_", "-"))

	res, err := NewDocker(cli, tag, Options{}).Provision(ctx, req)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = docker.RemoveImage(context.Background(), cli, tag, true) })

	require.Len(t, res.Steps, len(model.BuildSteps))
	info, err := docker.InspectManagedImage(ctx, cli, tag)
	require.NoError(t, err)
	assert.Equal(t, req.Manifest.Hash(), info.ManifestHash)

	var stdout bytes.Buffer
	code, err := docker.RunContainer(ctx, cli, docker.RunOptions{Image: tag, Stdout: &stdout})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "provisioned\n", stdout.String())

	// A second build with unchanged inputs reuses the dependency layer.
	res, err = NewDocker(cli, tag, Options{}).Provision(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.DependencyCacheHit)
}
